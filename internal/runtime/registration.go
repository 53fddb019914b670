package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/sipcic/outbound-processor/internal/runtime/errors"
)

// MessageHandlerRegistration wires a consuming Watermill handler. Records
// are acked when Handler returns nil and handed to the retry and dead-letter
// middleware otherwise.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	Handler      message.NoPublishHandlerFunc
	// Subscriber defaults to the service transport.
	Subscriber message.Subscriber
}

// RegisterMessageHandler attaches the provided handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.registerHandler(cfg)
}

func (s *Service) registerHandler(cfg MessageHandlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}

	stats := newHandlerStats(s.getResourceTracker())
	info := &HandlerInfo{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		Stats:        stats,
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	s.router.AddNoPublisherHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		wrapHandlerWithStats(cfg.Handler, stats),
	)

	return nil
}

// Handlers returns the registered handlers.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return append([]*HandlerInfo(nil), s.handlers...)
}
