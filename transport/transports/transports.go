// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/corrflow/transport/aws"
	_ "github.com/drblury/corrflow/transport/channel"
	_ "github.com/drblury/corrflow/transport/http"
	_ "github.com/drblury/corrflow/transport/journal"
	_ "github.com/drblury/corrflow/transport/kafka"
	_ "github.com/drblury/corrflow/transport/nats"
	_ "github.com/drblury/corrflow/transport/postgres"
	_ "github.com/drblury/corrflow/transport/rabbitmq"
	_ "github.com/drblury/corrflow/transport/sqlite"
)
