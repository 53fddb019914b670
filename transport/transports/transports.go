// Package transports imports all built-in transports for auto-registration.
// Import this package to have every transport registered with the default registry.
package transports

import (
	_ "github.com/sipcic/outbound-processor/transport/aws"
	_ "github.com/sipcic/outbound-processor/transport/channel"
	_ "github.com/sipcic/outbound-processor/transport/http"
	_ "github.com/sipcic/outbound-processor/transport/io"
	_ "github.com/sipcic/outbound-processor/transport/kafka"
	_ "github.com/sipcic/outbound-processor/transport/nats"
	_ "github.com/sipcic/outbound-processor/transport/postgres"
	_ "github.com/sipcic/outbound-processor/transport/rabbitmq"
	_ "github.com/sipcic/outbound-processor/transport/sqlite"
)
