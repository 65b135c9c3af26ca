// Package relay implements the encrypted-tunnel sample: relay_local
// accepts plaintext application connections and multiplexes them,
// AES-128-CBC encrypted, over one persistent tcp.Connection to
// relay_server, which forwards each session's bytes to a fixed
// upstream address. Framed as Packet with headSize=4, per spec.md.
package relay

import (
	"encoding/binary"
	"fmt"

	"github.com/cyclone-net/cyclone/packet"
)

// Tunnel packet ids, per spec.md's relay handshake section.
const (
	idHandshake    uint16 = 100
	idNewSession   uint16 = 101
	idCloseSession uint16 = 102
	idForward      uint16 = 103
)

// tunnelHeadSize is the head size every relay Packet uses: exactly
// packet.HeaderSize, so frames carry only the PacketSize/PacketID pair
// and no opaque user head.
const tunnelHeadSize = 4

func encodeHandshake(p *packet.Packet, publicKey [16]byte) {
	p.BuildFromMemory(tunnelHeadSize, idHandshake, publicKey[:], nil)
}

func decodeHandshake(content []byte) ([16]byte, error) {
	var key [16]byte
	if len(content) < 16 {
		return key, fmt.Errorf("relay: short HANDSHAKE: %d bytes", len(content))
	}
	copy(key[:], content[:16])
	return key, nil
}

func encodeNewSession(p *packet.Packet, sessionID int32) {
	content := make([]byte, 4)
	binary.BigEndian.PutUint32(content, uint32(sessionID))
	p.BuildFromMemory(tunnelHeadSize, idNewSession, content, nil)
}

func encodeCloseSession(p *packet.Packet, sessionID int32) {
	content := make([]byte, 4)
	binary.BigEndian.PutUint32(content, uint32(sessionID))
	p.BuildFromMemory(tunnelHeadSize, idCloseSession, content, nil)
}

func decodeSessionID(content []byte) (int32, error) {
	if len(content) < 4 {
		return 0, fmt.Errorf("relay: short session id: %d bytes", len(content))
	}
	return int32(binary.BigEndian.Uint32(content)), nil
}

func encodeForward(p *packet.Packet, sessionID int32, encryptedPayload []byte) {
	head := make([]byte, 8)
	binary.BigEndian.PutUint32(head[0:4], uint32(sessionID))
	binary.BigEndian.PutUint32(head[4:8], uint32(len(encryptedPayload)))
	p.BuildFromMemory(tunnelHeadSize, idForward, head, encryptedPayload)
}

func decodeForward(content []byte) (sessionID int32, payload []byte, err error) {
	if len(content) < 8 {
		return 0, nil, fmt.Errorf("relay: short FORWARD header: %d bytes", len(content))
	}
	sessionID = int32(binary.BigEndian.Uint32(content[0:4]))
	payloadLen := int(binary.BigEndian.Uint32(content[4:8]))
	if len(content) < 8+payloadLen {
		return 0, nil, fmt.Errorf("relay: FORWARD payload truncated")
	}
	return sessionID, content[8 : 8+payloadLen], nil
}
