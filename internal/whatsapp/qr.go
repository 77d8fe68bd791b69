package whatsapp

import (
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
)

// renderPairing draws each pairing code until the channel closes.
func renderPairing(w io.Writer, items <-chan whatsmeow.QRChannelItem) string {
	last := ""
	for item := range items {
		last = item.Event
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			fmt.Fprintln(w, "Scan this code with WhatsApp > Linked devices > Link a device:")
			qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, w)
		case whatsmeow.QRChannelEventError:
			fmt.Fprintf(w, "Pairing failed: %v\n", item.Error)
		}
	}
	return last
}
