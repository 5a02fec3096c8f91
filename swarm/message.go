package swarm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind tags the variant carried by a Message, per spec.md §6.
type Kind byte

const (
	KindPing           Kind = 0x01
	KindPong           Kind = 0x02
	KindGetBlockHashes Kind = 0x03
	KindBlockHashes    Kind = 0x04
	KindGetBlocks      Kind = 0x05
	KindBlock          Kind = 0x06
	KindGetTxs         Kind = 0x07
	KindTx             Kind = 0x08
	KindTxIds          Kind = 0x09
	KindPeerSetDelta   Kind = 0x0A
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindGetBlockHashes:
		return "GetBlockHashes"
	case KindBlockHashes:
		return "BlockHashes"
	case KindGetBlocks:
		return "GetBlocks"
	case KindBlock:
		return "Block"
	case KindGetTxs:
		return "GetTxs"
	case KindTx:
		return "Tx"
	case KindTxIds:
		return "TxIds"
	case KindPeerSetDelta:
		return "PeerSetDelta"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// Message is the tagged variant every inbound/outbound frame sequence
// decodes to or encodes from (spec.md §3). SenderPublicKey is the
// originator's public key (the signer-public-key frame). ReplyIdentity
// correlates a reply with its request: Parse fills it from the
// reply-identity frame when reply=true, and the inbound paths set it to
// the connection id of a request parsed with reply=false.
type Message struct {
	Kind            Kind
	SenderPublicKey []byte
	ReplyIdentity   []byte
	Payload         interface{}
}

type PingPayload struct{}

type PongPayload struct {
	AppProtocolVersion int32
}

type GetBlockHashesPayload struct {
	Locator [][32]byte
	Stop    *[32]byte
}

type BlockHashesPayload struct {
	Sender [20]byte
	Hashes [][32]byte
}

type GetBlocksPayload struct {
	Hashes [][32]byte
}

type BlockPayload struct {
	Data []byte
}

type GetTxsPayload struct {
	IDs [][32]byte
}

type TxPayload struct {
	Data []byte
}

type TxIdsPayload struct {
	Sender [20]byte
	IDs    [][32]byte
}

type PeerSetDeltaPayload struct {
	Delta PeerSetDelta
}

// MaxGetBlockHashesResult is the cap on the number of hashes a
// GetBlockHashes reply may carry (spec.md §4.5, §6).
const MaxGetBlockHashesResult = 500

func encodeHashList(hashes [][32]byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(hashes)))
	for _, h := range hashes {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func decodeHashList(frame []byte) ([][32]byte, error) {
	if len(frame) < 4 {
		return nil, invalidMessage("hash list frame too short", len(frame))
	}
	count := binary.BigEndian.Uint32(frame[:4])
	rest := frame[4:]
	if uint64(len(rest)) != uint64(count)*32 {
		return nil, invalidMessage("hash list length mismatch", len(frame))
	}
	hashes := make([][32]byte, count)
	for i := range hashes {
		copy(hashes[i][:], rest[i*32:(i+1)*32])
	}
	return hashes, nil
}

func encodeIDList(ids [][32]byte) []byte { return encodeHashList(ids) }
func decodeIDList(frame []byte) ([][32]byte, error) { return decodeHashList(frame) }

// payloadFrames returns the ordered payload frames for msg.Payload,
// matching the schema table in spec.md §6.
func payloadFrames(kind Kind, payload interface{}) ([][]byte, error) {
	switch kind {
	case KindPing:
		if _, ok := payload.(PingPayload); !ok {
			return nil, invalidMessage("payload type mismatch for Ping", 0)
		}
		return nil, nil

	case KindPong:
		p, ok := payload.(PongPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for Pong", 0)
		}
		buf := new(bytes.Buffer)
		binary.Write(buf, binary.BigEndian, p.AppProtocolVersion)
		return [][]byte{buf.Bytes()}, nil

	case KindGetBlockHashes:
		p, ok := payload.(GetBlockHashesPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for GetBlockHashes", 0)
		}
		stopFrame := []byte{}
		if p.Stop != nil {
			stopFrame = append([]byte(nil), p.Stop[:]...)
		}
		return [][]byte{encodeHashList(p.Locator), stopFrame}, nil

	case KindBlockHashes:
		p, ok := payload.(BlockHashesPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for BlockHashes", 0)
		}
		return [][]byte{append([]byte(nil), p.Sender[:]...), encodeHashList(p.Hashes)}, nil

	case KindGetBlocks:
		p, ok := payload.(GetBlocksPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for GetBlocks", 0)
		}
		return [][]byte{encodeHashList(p.Hashes)}, nil

	case KindBlock:
		p, ok := payload.(BlockPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for Block", 0)
		}
		return [][]byte{p.Data}, nil

	case KindGetTxs:
		p, ok := payload.(GetTxsPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for GetTxs", 0)
		}
		return [][]byte{encodeIDList(p.IDs)}, nil

	case KindTx:
		p, ok := payload.(TxPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for Tx", 0)
		}
		return [][]byte{p.Data}, nil

	case KindTxIds:
		p, ok := payload.(TxIdsPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for TxIds", 0)
		}
		return [][]byte{append([]byte(nil), p.Sender[:]...), encodeIDList(p.IDs)}, nil

	case KindPeerSetDelta:
		p, ok := payload.(PeerSetDeltaPayload)
		if !ok {
			return nil, invalidMessage("payload type mismatch for PeerSetDelta", 0)
		}
		frame, err := encodeDelta(p.Delta)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil

	default:
		return nil, invalidMessage(fmt.Sprintf("unknown message kind 0x%02x", byte(kind)), 0)
	}
}

func parsePayload(kind Kind, frames [][]byte) (interface{}, error) {
	switch kind {
	case KindPing:
		return PingPayload{}, nil

	case KindPong:
		if len(frames) != 1 || len(frames[0]) != 4 {
			return nil, invalidMessage("Pong payload shape", len(frames))
		}
		return PongPayload{AppProtocolVersion: int32(binary.BigEndian.Uint32(frames[0]))}, nil

	case KindGetBlockHashes:
		if len(frames) != 2 {
			return nil, invalidMessage("GetBlockHashes payload shape", len(frames))
		}
		locator, err := decodeHashList(frames[0])
		if err != nil {
			return nil, err
		}
		var stop *[32]byte
		if len(frames[1]) > 0 {
			if len(frames[1]) != 32 {
				return nil, invalidMessage("GetBlockHashes stop hash length", len(frames))
			}
			var s [32]byte
			copy(s[:], frames[1])
			stop = &s
		}
		return GetBlockHashesPayload{Locator: locator, Stop: stop}, nil

	case KindBlockHashes:
		if len(frames) != 2 || len(frames[0]) != 20 {
			return nil, invalidMessage("BlockHashes payload shape", len(frames))
		}
		hashes, err := decodeHashList(frames[1])
		if err != nil {
			return nil, err
		}
		var sender [20]byte
		copy(sender[:], frames[0])
		return BlockHashesPayload{Sender: sender, Hashes: hashes}, nil

	case KindGetBlocks:
		if len(frames) != 1 {
			return nil, invalidMessage("GetBlocks payload shape", len(frames))
		}
		hashes, err := decodeHashList(frames[0])
		if err != nil {
			return nil, err
		}
		return GetBlocksPayload{Hashes: hashes}, nil

	case KindBlock:
		if len(frames) != 1 {
			return nil, invalidMessage("Block payload shape", len(frames))
		}
		return BlockPayload{Data: frames[0]}, nil

	case KindGetTxs:
		if len(frames) != 1 {
			return nil, invalidMessage("GetTxs payload shape", len(frames))
		}
		ids, err := decodeIDList(frames[0])
		if err != nil {
			return nil, err
		}
		return GetTxsPayload{IDs: ids}, nil

	case KindTx:
		if len(frames) != 1 {
			return nil, invalidMessage("Tx payload shape", len(frames))
		}
		return TxPayload{Data: frames[0]}, nil

	case KindTxIds:
		if len(frames) != 2 || len(frames[0]) != 20 {
			return nil, invalidMessage("TxIds payload shape", len(frames))
		}
		ids, err := decodeIDList(frames[1])
		if err != nil {
			return nil, err
		}
		var sender [20]byte
		copy(sender[:], frames[0])
		return TxIdsPayload{Sender: sender, IDs: ids}, nil

	case KindPeerSetDelta:
		if len(frames) != 1 {
			return nil, invalidMessage("PeerSetDelta payload shape", len(frames))
		}
		delta, err := decodeDelta(frames[0])
		if err != nil {
			return nil, err
		}
		return PeerSetDeltaPayload{Delta: delta}, nil

	default:
		return nil, invalidMessage(fmt.Sprintf("unknown message kind 0x%02x", byte(kind)), len(frames))
	}
}

// Encode frames msg as: signature ‖ signer-public-key ‖ tag ‖
// reply-identity (only when reply is true) ‖ payload frames. The
// signature covers the concatenation of every frame after itself
// (spec.md §4.1).
func Encode(msg *Message, signer Signer, reply bool) ([][]byte, error) {
	payload, err := payloadFrames(msg.Kind, msg.Payload)
	if err != nil {
		return nil, err
	}

	body := make([][]byte, 0, 3+len(payload))
	body = append(body, msg.SenderPublicKey, []byte{byte(msg.Kind)})
	if reply {
		body = append(body, msg.ReplyIdentity)
	}
	body = append(body, payload...)

	sig, err := signer.Sign(bytes.Join(body, nil))
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	frames := make([][]byte, 0, 1+len(body))
	frames = append(frames, sig)
	frames = append(frames, body...)
	return frames, nil
}

// minHeaderFrames is the number of header frames (signature, pubkey, tag,
// [reply-identity]) Parse requires before the per-kind payload.
func minHeaderFrames(reply bool) int {
	if reply {
		return 4
	}
	return 3
}

// Parse authenticates and decodes a frame sequence into a Message. reply
// selects the header shape: true expects an explicit reply-identity frame
// (messages read back off a dealer socket as a correlated reply); false
// expects no such frame, because the transport has already consumed the
// router-prepended per-connection identity and will use it as the
// correlation id for any reply (spec.md §4.1).
func Parse(frames [][]byte, reply bool, verifier Verifier) (*Message, error) {
	min := minHeaderFrames(reply)
	if len(frames) < min {
		return nil, invalidMessage("too few frames", len(frames))
	}

	sig, pubkey, tagFrame := frames[0], frames[1], frames[2]
	if len(tagFrame) != 1 {
		return nil, invalidMessage("malformed type tag", len(frames))
	}
	kind := Kind(tagFrame[0])

	idx := 3
	var replyIdentity []byte
	if reply {
		replyIdentity = frames[3]
		idx = 4
	}

	if !verifier.Verify(pubkey, sig, bytes.Join(frames[1:], nil)) {
		return nil, invalidMessage("signature verification failed", len(frames))
	}

	payload, err := parsePayload(kind, frames[idx:])
	if err != nil {
		return nil, err
	}

	return &Message{
		Kind:            kind,
		SenderPublicKey: pubkey,
		ReplyIdentity:   replyIdentity,
		Payload:         payload,
	}, nil
}
