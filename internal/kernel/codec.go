// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// nfnetlink queue subsystem, see linux/netfilter/nfnetlink_queue.h.
const (
	nfnlSubsysQueue = 3
	nfnetlinkV0     = 0

	nfqnlMsgPacket  = 0
	nfqnlMsgVerdict = 1
	nfqnlMsgConfig  = 2

	cfgCmdNone     = 0
	cfgCmdBind     = 1
	cfgCmdUnbind   = 2
	cfgCmdPFBind   = 3
	cfgCmdPFUnbind = 4

	nfqaCfgCmd         = 1
	nfqaCfgParams      = 2
	nfqaCfgQueueMaxLen = 3

	nfqaPacketHdr        = 1
	nfqaVerdictHdr       = 2
	nfqaMark             = 3
	nfqaTimestamp        = 4
	nfqaIfIndexInDev     = 5
	nfqaIfIndexOutDev    = 6
	nfqaIfIndexPhysInDev = 7
	nfqaIfIndexPhysOut   = 8
	nfqaHWAddr           = 9
	nfqaPayload          = 10
	nfqaCT               = 11
	nfqaCTInfo           = 12
	nfqaCapLen           = 13
	nfqaSkbInfo          = 14
	nfqaUID              = 16
	nfqaGID              = 17
	nfqaSecCtx           = 18

	nlmsgHeaderLen = 16
	nfgenmsgLen    = 4
)

func nlmsgAlign(n int) int { return (n + 3) &^ 3 }

func queueMsgType(msg uint16) netlink.HeaderType {
	return netlink.HeaderType(nfnlSubsysQueue<<8 | msg)
}

func encodeNfgen(family uint8, resID uint16) []byte {
	b := make([]byte, nfgenmsgLen)
	b[0] = family
	b[1] = nfnetlinkV0
	binary.BigEndian.PutUint16(b[2:], resID)
	return b
}

func decodeNfgen(b []byte) (Message, error) {
	if len(b) < nfgenmsgLen {
		return Message{}, fmt.Errorf("nfgenmsg too short: %d bytes", len(b))
	}
	return Message{
		Family:     b[0],
		Version:    b[1],
		ResourceID: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// newQueueMessage frames attrs behind an nfgenmsg for queue resID.
func newQueueMessage(msgType uint16, flags netlink.HeaderFlags, family uint8, resID uint16, attrs []byte) netlink.Message {
	data := append(encodeNfgen(family, resID), attrs...)
	return netlink.Message{
		Header: netlink.Header{
			Length: uint32(nlmsgAlign(nlmsgHeaderLen + len(data))),
			Type:   queueMsgType(msgType),
			Flags:  flags,
		},
		Data: data,
	}
}

func newEncoder() *netlink.AttributeEncoder {
	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = binary.BigEndian
	return ae
}

// encodeConfigCmd builds NFQA_CFG_CMD (struct nfqnl_msg_config_cmd).
func encodeConfigCmd(cmd uint8, pf uint16) ([]byte, error) {
	b := make([]byte, 4)
	b[0] = cmd
	binary.BigEndian.PutUint16(b[2:], pf)
	ae := newEncoder()
	ae.Bytes(nfqaCfgCmd, b)
	return ae.Encode()
}

// encodeConfigParams builds NFQA_CFG_PARAMS (struct nfqnl_msg_config_params).
func encodeConfigParams(mode uint8, rng uint32) ([]byte, error) {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b, rng)
	b[4] = mode
	ae := newEncoder()
	ae.Bytes(nfqaCfgParams, b)
	return ae.Encode()
}

func encodeConfigMaxLen(n uint32) ([]byte, error) {
	ae := newEncoder()
	ae.Uint32(nfqaCfgQueueMaxLen, n)
	return ae.Encode()
}

// encodeVerdict builds NFQA_VERDICT_HDR plus the optional mark and payload.
func encodeVerdict(id uint32, v Verdict, payload []byte) ([]byte, error) {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(v.Type))
	binary.BigEndian.PutUint32(hdr[4:8], id)

	ae := newEncoder()
	ae.Bytes(nfqaVerdictHdr, hdr)
	if v.SetMark {
		ae.Uint32(nfqaMark, v.Mark)
	}
	if payload != nil {
		ae.Bytes(nfqaPayload, payload)
	}
	return ae.Encode()
}

// encodePacket renders pkt the way the kernel delivers it for the given
// copy mode and range.
func encodePacket(queue uint16, pkt *Packet, mode CopyMode, rng uint32) (netlink.Message, error) {
	ae := newEncoder()
	if h := pkt.Header; h != nil {
		b := make([]byte, 7)
		binary.BigEndian.PutUint32(b[0:4], h.ID)
		binary.BigEndian.PutUint16(b[4:6], h.HWProtocol)
		b[6] = h.Hook
		ae.Bytes(nfqaPacketHdr, b)
	}
	putU32 := func(typ uint16, v *uint32) {
		if v != nil {
			ae.Uint32(typ, *v)
		}
	}
	putU32(nfqaMark, pkt.Mark)
	if ts := pkt.Timestamp; ts != nil {
		b := make([]byte, 16)
		binary.BigEndian.PutUint64(b[0:8], uint64(ts.Unix()))
		binary.BigEndian.PutUint64(b[8:16], uint64(ts.Nanosecond()/1000))
		ae.Bytes(nfqaTimestamp, b)
	}
	putU32(nfqaIfIndexInDev, pkt.InDev)
	putU32(nfqaIfIndexOutDev, pkt.OutDev)
	putU32(nfqaIfIndexPhysInDev, pkt.PhysInDev)
	putU32(nfqaIfIndexPhysOut, pkt.PhysOutDev)
	if len(pkt.HWAddr) > 0 {
		b := make([]byte, 12)
		n := copy(b[4:], pkt.HWAddr)
		binary.BigEndian.PutUint16(b[0:2], uint16(n))
		ae.Bytes(nfqaHWAddr, b)
	}
	if mode == CopyPacket && pkt.Payload != nil {
		payload := pkt.Payload
		if rng > 0 && uint32(len(payload)) > rng {
			payload = payload[:rng]
			ae.Uint32(nfqaCapLen, uint32(len(pkt.Payload)))
		}
		ae.Bytes(nfqaPayload, payload)
	}
	if len(pkt.CT) > 0 {
		ae.Bytes(nfqaCT, pkt.CT)
	}
	putU32(nfqaCTInfo, pkt.CtInfo)
	putU32(nfqaSkbInfo, pkt.SkbInfo)
	putU32(nfqaUID, pkt.UID)
	putU32(nfqaGID, pkt.GID)
	if pkt.SecCtx != "" {
		ae.String(nfqaSecCtx, pkt.SecCtx)
	}

	attrs, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}
	return newQueueMessage(nfqnlMsgPacket, 0, uint8(FamilyINET), queue, attrs), nil
}

// decodePacket parses the payload of an NFQNL_MSG_PACKET message.
func decodePacket(data []byte) (Message, *Packet, error) {
	msg, err := decodeNfgen(data)
	if err != nil {
		return msg, nil, err
	}
	ad, err := netlink.NewAttributeDecoder(data[nfgenmsgLen:])
	if err != nil {
		return msg, nil, err
	}
	ad.ByteOrder = binary.BigEndian

	pkt := &Packet{}
	u32 := func() *uint32 {
		v := ad.Uint32()
		return &v
	}
	for ad.Next() {
		switch ad.Type() {
		case nfqaPacketHdr:
			b := ad.Bytes()
			if len(b) < 7 {
				return msg, nil, fmt.Errorf("packet header too short: %d bytes", len(b))
			}
			pkt.Header = &PacketHeader{
				ID:         binary.BigEndian.Uint32(b[0:4]),
				HWProtocol: binary.BigEndian.Uint16(b[4:6]),
				Hook:       b[6],
			}
		case nfqaMark:
			pkt.Mark = u32()
		case nfqaTimestamp:
			b := ad.Bytes()
			if len(b) >= 16 {
				sec := int64(binary.BigEndian.Uint64(b[0:8]))
				usec := int64(binary.BigEndian.Uint64(b[8:16]))
				ts := time.Unix(sec, usec*1000)
				pkt.Timestamp = &ts
			}
		case nfqaIfIndexInDev:
			pkt.InDev = u32()
		case nfqaIfIndexOutDev:
			pkt.OutDev = u32()
		case nfqaIfIndexPhysInDev:
			pkt.PhysInDev = u32()
		case nfqaIfIndexPhysOut:
			pkt.PhysOutDev = u32()
		case nfqaHWAddr:
			b := ad.Bytes()
			if len(b) >= 4 {
				n := int(binary.BigEndian.Uint16(b[0:2]))
				if n > len(b)-4 {
					n = len(b) - 4
				}
				pkt.HWAddr = net.HardwareAddr(b[4 : 4+n])
			}
		case nfqaPayload:
			pkt.Payload = ad.Bytes()
		case nfqaCapLen:
			pkt.CapLen = u32()
		case nfqaCT:
			pkt.CT = ad.Bytes()
		case nfqaCTInfo:
			pkt.CtInfo = u32()
		case nfqaSkbInfo:
			pkt.SkbInfo = u32()
		case nfqaUID:
			pkt.UID = u32()
		case nfqaGID:
			pkt.GID = u32()
		case nfqaSecCtx:
			pkt.SecCtx = ad.String()
		}
	}
	if err := ad.Err(); err != nil {
		return msg, nil, err
	}
	return msg, pkt, nil
}

// splitMessages cuts a receive buffer into netlink messages. The final
// message may omit its alignment padding.
func splitMessages(b []byte) ([]netlink.Message, error) {
	var msgs []netlink.Message
	for len(b) >= nlmsgHeaderLen {
		l := int(nlenc.Uint32(b[0:4]))
		if l < nlmsgHeaderLen || l > len(b) {
			return msgs, fmt.Errorf("malformed netlink message length %d (buffer %d)", l, len(b))
		}
		msgs = append(msgs, netlink.Message{
			Header: netlink.Header{
				Length:   uint32(l),
				Type:     netlink.HeaderType(nlenc.Uint16(b[4:6])),
				Flags:    netlink.HeaderFlags(nlenc.Uint16(b[6:8])),
				Sequence: nlenc.Uint32(b[8:12]),
				PID:      nlenc.Uint32(b[12:16]),
			},
			Data: b[nlmsgHeaderLen:l],
		})
		next := nlmsgAlign(l)
		if next > len(b) {
			next = len(b)
		}
		b = b[next:]
	}
	return msgs, nil
}

// decodeAck turns an NLMSG_ERROR message into nil (ack) or the errno.
func decodeAck(m netlink.Message) error {
	if len(m.Data) < 4 {
		return fmt.Errorf("netlink error message too short: %d bytes", len(m.Data))
	}
	code := nlenc.Int32(m.Data[0:4])
	if code == 0 {
		return nil
	}
	if code < 0 {
		code = -code
	}
	return syscall.Errno(code)
}
