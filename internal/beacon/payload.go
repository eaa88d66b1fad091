// Package beacon defines the lobby advertisement and the periodic broadcast
// loop that announces it on the LAN.
package beacon

import (
	"fmt"

	"ensemble/internal/osc"
)

// PromotionAddress is the OSC address of every advertisement.
const PromotionAddress = "/discovery/promotion"

// Promotion is the content of one advertisement: where a control node
// accepts device traffic and the name of its lobby.
type Promotion struct {
	UDPPort int
	TCPPort int
	Lobby   string
}

// Advertisement builds the promotion message for the given ports and lobby.
func Advertisement(udpPort, tcpPort int, lobby string) *osc.Message {
	return osc.NewMessage(PromotionAddress, int32(udpPort), int32(tcpPort), lobby)
}

// ParsePromotion extracts the advertised ports and lobby name from p.
func ParsePromotion(p osc.Packet) (Promotion, error) {
	msg, ok := p.(*osc.Message)
	if !ok || msg.Addr != PromotionAddress {
		return Promotion{}, fmt.Errorf("not a promotion: %s", p.Address())
	}
	udpPort, err := msg.Int32(0)
	if err != nil {
		return Promotion{}, fmt.Errorf("udp port: %w", err)
	}
	tcpPort, err := msg.Int32(1)
	if err != nil {
		return Promotion{}, fmt.Errorf("tcp port: %w", err)
	}
	lobby, err := msg.StringArg(2)
	if err != nil {
		return Promotion{}, fmt.Errorf("lobby name: %w", err)
	}
	if udpPort <= 0 || udpPort > 65535 || tcpPort <= 0 || tcpPort > 65535 {
		return Promotion{}, fmt.Errorf("port out of range: udp=%d tcp=%d", udpPort, tcpPort)
	}
	return Promotion{UDPPort: int(udpPort), TCPPort: int(tcpPort), Lobby: lobby}, nil
}
