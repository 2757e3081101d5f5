package dlmsal

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"k8s.io/utils/ptr"
)

const maxInbuf = 1 << 20

func (c *Client) onConnect(err error) {
	if err != nil {
		c.connectErr = err
		c.logf("Transport connect failed: %v", err)
		return
	}
	c.connectErr = nil
	c.inbuf = c.inbuf[:0]
	c.rx.Reset()
	c.framer.Reset()
	if setup := c.framer.Connect(); setup != nil {
		if _, err := c.socket.Write(setup, true); err != nil {
			c.logf("Unable to send link setup: %v", err)
			return
		}
	}
	c.arm()
}

func (c *Client) arm() {
	if c.closed || !c.socket.IsConnected() {
		return
	}
	if !c.socket.AppendAsyncReadResult(&c.rx, 1) {
		c.dlogf("Read already armed")
	}
}

func (c *Client) onRead(n int, err error) {
	if err != nil {
		c.dlogf("Read finished: %v", err) // a close follows
		return
	}
	c.inbuf = append(c.inbuf, c.rx.Bytes()...)
	c.rx.Reset()
	if len(c.inbuf) > maxInbuf {
		c.logf("Dropping %d undecodable bytes", len(c.inbuf))
		c.inbuf = c.inbuf[:0]
	}
	c.deframe()
	c.arm()
}

func (c *Client) onWrite(n int, err error) {
	if err != nil && !errors.Is(err, base.ErrCancelled) {
		c.logf("Write failed after %d bytes: %v", n, err)
	}
}

func (c *Client) onClose(err error) {
	c.framer.Reset()
	c.inbuf = c.inbuf[:0]
	if !c.state.associated() {
		return
	}
	reason := err
	if reason == nil {
		reason = base.ErrClosed
	}
	c.abort(c.server, reason)
}

func (c *Client) deframe() {
	for len(c.inbuf) > 0 && c.socket.IsConnected() {
		wasUp := c.framer.Connected()
		f, n, err := c.framer.Deframe(c.inbuf)
		if n > 0 {
			c.inbuf = c.inbuf[n:]
		}
		if errors.Is(err, base.ErrIncomplete) {
			break
		}
		if err != nil {
			c.logf("Dropping frame: %v", err)
			if n == 0 {
				c.inbuf = c.inbuf[:0]
			}
			if wasUp && !c.framer.Connected() {
				c.abort(c.server, fmt.Errorf("%w: %w", ErrLinkLost, err))
			}
			continue
		}
		if len(f.Reply) > 0 {
			if _, err := c.socket.Write(f.Reply, true); err != nil {
				c.logf("Unable to send link reply: %v", err)
			}
		}
		if !wasUp && c.framer.Connected() {
			c.logf("Link established")
		}
		if f.APDU != nil {
			c.dispatch(f.Server, f.APDU)
		}
	}
	if len(c.inbuf) == 0 {
		c.inbuf = c.inbuf[:0:0]
	}
}

// dispatch routes one received APDU by its tag.
func (c *Client) dispatch(server uint16, data []byte) {
	tag, id, _, err := apdu.Peek(data)
	if err != nil {
		c.logf("Dropping apdu: %v", err)
		return
	}
	switch tag {
	case base.TagAARE:
		c.onAARE(server, data)
	case base.TagRLRE:
		c.onRLRE(server, data)
	case base.TagABRT:
		c.onABRT(server, data)
	case base.TagGetResponse:
		c.onResponse(kindGet, id, data)
	case base.TagSetResponse:
		c.onResponse(kindSet, id, data)
	case base.TagActionResponse:
		c.onResponse(kindAction, id, data)
	case base.TagExceptionResponse:
		c.onException(server, data)
	default:
		c.logf("Dropping unexpected %v", tag)
	}
}

func (c *Client) onAARE(server uint16, data []byte) {
	if c.state != StateOpening {
		c.logf("Dropping aare in state %v", c.state)
		return
	}
	aare, err := apdu.DecodeAARE(data)
	if err == nil {
		err = aare.Accepted(c.appctx)
	}
	if err != nil {
		c.abort(server, fmt.Errorf("%w: %w", ErrBadAssociation, err))
		return
	}
	c.state = StateOpen
	c.negotiated = *aare.Initiate
	c.logf("Association open, conformance %06x, server max pdu %d", c.negotiated.NegotiatedConformance, c.negotiated.ServerMaxReceivePduSize)
	c.emit(OpenConfirmation{ServerAddress: server, SystemTitle: aare.SystemTitle, Negotiated: c.negotiated})
}

func (c *Client) onRLRE(server uint16, data []byte) {
	if c.state != StateReleasing {
		c.logf("Dropping rlre in state %v", c.state)
		return
	}
	if _, err := apdu.DecodeRLRE(data); err != nil {
		c.logf("Release response not decoded, releasing anyway: %v", err)
	}
	c.state = StateNotOpen
	if n := c.clearPending(); n > 0 {
		c.dlogf("Released with %d requests unanswered", n)
	}
	c.logf("Association released")
	c.emit(ReleaseConfirmation{ServerAddress: server, HasAddress: server != 0})
}

func (c *Client) onABRT(server uint16, data []byte) {
	reason := ErrAborted
	if a, err := apdu.DecodeABRT(data); err == nil && a.Source != nil {
		reason = fmt.Errorf("%w: source %d", ErrAborted, *a.Source)
	}
	if !c.state.associated() {
		c.logf("Dropping abort in state %v", c.state)
		return
	}
	c.abort(server, reason)
}

// onException answers the oldest pending request, the exception carries no invoke id.
func (c *Client) onException(server uint16, data []byte) {
	ex, err := apdu.DecodeException(data)
	if err != nil {
		c.logf("Dropping exception: %v", err)
		return
	}
	if c.state == StateOpening {
		c.abort(server, fmt.Errorf("%w: %w", ErrBadAssociation, *ex))
		return
	}
	oldest := -1
	for i, p := range c.pending {
		if p != nil && (oldest < 0 || p.order < c.pending[oldest].order) {
			oldest = i
		}
	}
	if oldest < 0 {
		c.logf("Dropping %v, nothing pending", *ex)
		return
	}
	p := c.retire(byte(oldest))
	c.logf("Token %d answered by %v", p.token, *ex)
	switch p.kind {
	case kindGet:
		c.emit(GetConfirmation{Token: p.token, Result: GetResult{Error: apdu.AccessOtherReason, Exception: ex}})
	case kindSet:
		c.emit(SetConfirmation{Token: p.token, Code: ptr.To(apdu.AccessOtherReason), Exception: ex})
	case kindAction:
		c.emit(ActionConfirmation{Token: p.token, Code: ptr.To(apdu.ActionOtherReason), Exception: ex})
	}
}

// malformed answers a request whose response did not decode, so its token and invoke id
// are not held forever.
func (c *Client) malformed(id byte, p *pendingRequest, err error) {
	c.logf("Malformed %v response for token %d: %v", p.kind, p.token, err)
	c.retire(id)
	switch p.kind {
	case kindGet:
		c.emit(GetConfirmation{Token: p.token, Result: GetResult{Error: apdu.AccessOtherReason}})
	case kindSet:
		c.emit(SetConfirmation{Token: p.token, Code: ptr.To(apdu.AccessOtherReason)})
	case kindAction:
		c.emit(ActionConfirmation{Token: p.token, Code: ptr.To(apdu.ActionOtherReason)})
	}
}

func (c *Client) onResponse(kind requestKind, id byte, data []byte) {
	p := c.pending[id]
	if p == nil {
		c.dlogf("Dropping %v response for invoke id %d, nothing pending", kind, id)
		return
	}
	if p.kind != kind {
		c.logf("Dropping %v response for invoke id %d, %v pending", kind, id, p.kind)
		return
	}
	switch kind {
	case kindGet:
		c.onGetResponse(id, p, data)
	case kindSet:
		r, err := apdu.DecodeSetResponse(data)
		if err != nil {
			c.malformed(id, p, err)
			return
		}
		c.retire(id)
		cf := SetConfirmation{Token: p.token, Success: r.Result == apdu.AccessSuccess}
		if !cf.Success {
			cf.Code = ptr.To(r.Result)
		}
		c.emit(cf)
	case kindAction:
		r, err := apdu.DecodeActionResponse(data)
		if err != nil {
			c.malformed(id, p, err)
			return
		}
		c.retire(id)
		cf := ActionConfirmation{Token: p.token, Success: r.Result == apdu.ActionSuccess, ReturnData: r.Data}
		if !cf.Success {
			cf.Code = ptr.To(r.Result)
		}
		c.emit(cf)
	}
}

func (c *Client) onGetResponse(id byte, p *pendingRequest, data []byte) {
	r, err := apdu.DecodeGetResponse(data)
	if err != nil {
		c.malformed(id, p, err)
		return
	}
	if !r.Block {
		c.retire(id)
		if r.Result != apdu.AccessSuccess {
			c.emit(GetConfirmation{Token: p.token, Result: GetResult{Error: r.Result}})
			return
		}
		c.emit(GetConfirmation{Token: p.token, Result: GetResult{Success: true, Data: r.Data}})
		return
	}

	fail := func(code apdu.AccessResult) {
		c.retire(id)
		c.emit(GetConfirmation{Token: p.token, Result: GetResult{Error: code}})
	}
	if r.Result != apdu.AccessSuccess {
		fail(r.Result)
		return
	}
	if r.BlockNumber != p.block+1 {
		c.logf("Unexpected block %d, expected %d", r.BlockNumber, p.block+1)
		fail(apdu.AccessDataBlockNumberInvalid)
		return
	}
	p.block = r.BlockNumber
	p.blocks = append(p.blocks, r.Raw...)
	if !r.Last {
		if err := c.send(c.server, apdu.EncodeGetRequestNext(id, c.priority, p.block)); err != nil {
			c.logf("Unable to request block %d: %v", p.block+1, err)
			fail(apdu.AccessLongGetAborted)
		}
		return
	}
	d, _, err := apdu.DecodeData(p.blocks)
	if err != nil {
		c.logf("Unable to decode %d bytes of block data: %v", len(p.blocks), err)
		fail(apdu.AccessOtherReason)
		return
	}
	c.retire(id)
	c.emit(GetConfirmation{Token: p.token, Result: GetResult{Success: true, Data: d}})
}
