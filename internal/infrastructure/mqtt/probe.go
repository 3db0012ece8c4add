package mqtt

import "context"

// Probe opens a throwaway connection to verify that a broker accepts the
// given URL and credentials, then closes it immediately.
//
// The probe never reconnects and never publishes: it sets no status topic
// and registers no callbacks. A failure is returned as a *ConnectError whose
// message is the broker's reason.
func Probe(ctx context.Context, o Options) error {
	o.AutoReconnect = false
	o.StatusTopic = ""
	o.OnConnect = nil
	o.OnConnectionLost = nil

	c, err := Connect(ctx, o)
	if err != nil {
		return err
	}
	c.client.Disconnect(0)
	return nil
}
