package natskv

import (
	"os"

	natsgo "github.com/nats-io/nats.go"
)

// Connector dials NATS and returns the connection with the function that
// releases it.
type Connector func() (nc *natsgo.Conn, release func(), err error)

// ConnectURL dials natsURL with a bounded reconnect budget.
func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, func(), error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.Name("durable"),
			natsgo.MaxReconnects(3),
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, nc.Close, nil
	}
}

// ConnectDefault dials $NATS_URL, or the local default server.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
