package transport

import (
	"fabstream/pkg/channel"
	"fabstream/pkg/fabric"
)

// slotCtx travels through the provider as the post context so
// completions can be attributed to ring slots.
type slotCtx struct {
	slot int
	tx   bool
}

// msgPoster adapts a channel's posts onto a dedicated MSG endpoint.
type msgPoster struct {
	ep fabric.MsgEndpoint
	ch *channel.Channel
}

func (p *msgPoster) PostData(idx int, data []byte) error {
	return p.ep.PostSend(data, len(data), p.ch.TxMemory(), slotCtx{slot: idx, tx: true})
}

func (p *msgPoster) PostCredit(idx int, data []byte) error {
	return p.ep.PostSend(data, len(data), p.ch.TxMemory(), slotCtx{slot: idx, tx: true})
}

func (p *msgPoster) PostRecv(idx int, buf []byte) error {
	return p.ep.PostRecv(buf, p.ch.RxMemory(), slotCtx{slot: idx})
}
