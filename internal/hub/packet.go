package hub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

const (
	flagWill     = 1 << 2
	flagWillQoS  = 3 << 3
	flagPassword = 1 << 6
	flagUsername = 1 << 7
)

var errMalformedLength = errors.New("malformed remaining length")

// connectPacket is the subset of CONNECT the hub acts on. Credentials are read and discarded.
type connectPacket struct {
	clientID  string
	keepAlive uint16
	will      *Message
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return connectPacket{}, fmt.Errorf("reserved connect flag set")
	}
	if flags&flagWillQoS != 0 {
		return connectPacket{}, fmt.Errorf("unsupported will qos in flags %08b", flags)
	}

	var p connectPacket
	if p.keepAlive, err = rd.readUint16(); err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}
	if p.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}

	if flags&flagWill != 0 {
		topic, err := rd.readString()
		if err != nil {
			return connectPacket{}, fmt.Errorf("read will topic: %w", err)
		}
		body, err := rd.readBinary()
		if err != nil {
			return connectPacket{}, fmt.Errorf("read will message: %w", err)
		}
		p.will = &Message{Topic: topic, Payload: body}
	}
	if flags&flagUsername != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if _, err := rd.readBinary(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}
	return p, nil
}

func parsePublish(header byte, payload []byte) (Message, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return Message{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return Message{}, fmt.Errorf("read topic: %w", err)
	}
	if err := validateTopicName(topic); err != nil {
		return Message{}, err
	}

	if rd.remaining() == 0 {
		return Message{Topic: topic}, nil
	}
	return Message{Topic: topic, Payload: rd.readBytes(rd.remaining())}, nil
}

// parseTopicList reads the filters of a SUBSCRIBE (withQoS) or UNSUBSCRIBE packet.
func parseTopicList(payload []byte, withQoS bool) (uint16, []string, error) {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var filters []string
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		if err := validateFilter(filter); err != nil {
			return 0, nil, err
		}
		if withQoS {
			qos, err := rd.readByte()
			if err != nil {
				return 0, nil, fmt.Errorf("read qos: %w", err)
			}
			if qos > 2 {
				return 0, nil, fmt.Errorf("invalid qos %d", qos)
			}
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return 0, nil, fmt.Errorf("no topic filters")
	}
	return packetID, filters, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// buildSubAck grants QoS 0 for every requested filter.
func buildSubAck(packetID uint16, topics int) ([]byte, error) {
	if topics <= 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	remaining := 2 + topics
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < topics; i++ {
		packet = append(packet, 0x00)
	}
	return packet, nil
}

func buildUnsubAck(packetID uint16) []byte {
	return []byte{packetUnsubAck << 4, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
}

var (
	connAckAccepted = []byte{packetConnAck << 4, 0x02, 0x00, 0x00}
	pingResp        = []byte{packetPingResp << 4, 0x00}
)

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readBinary() ([]byte, error) {
	l, err := b.readUint16()
	if err != nil {
		return nil, err
	}
	if len(*b) < int(l) {
		return nil, io.ErrUnexpectedEOF
	}
	return b.readBytes(int(l)), nil
}

func (b *bytesReader) readString() (string, error) {
	raw, err := b.readBinary()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
