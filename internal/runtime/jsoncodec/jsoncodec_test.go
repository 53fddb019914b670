package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type artifact struct {
	MessageID   string `json:"messageId"`
	MessageBody string `json:"messageBody"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := artifact{MessageID: "ID:1", MessageBody: "<message/>"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out artifact
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"messageId\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := artifact{MessageID: "ID:7", MessageBody: "<message><id>7</id></message>"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded artifact
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestEncodeIndent(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := EncodeIndent(buf, map[string]int{"received": 2}, "  "); err != nil {
		t.Fatalf("encode indent failed: %v", err)
	}
	if got := buf.String(); got != "{\n  \"received\": 2\n}\n" {
		t.Fatalf("unexpected indented output %q", got)
	}
}
