package channel

import (
	"fabstream/pkg/packet"
	"fabstream/pkg/status"
)

// assemblePackets drains arrived RX bytes into framed packets and
// delivers each complete packet to the OnNewPacket hook. A frame may
// span slots (the MSG path streams packet bytes across the ring), so
// the header and body are filled incrementally and the cursor state
// survives between completions.
func (c *Channel) assemblePackets() {
	for {
		var (
			complete   *packet.Incoming
			reposts    []int
			writeReady bool
			progressed bool
			fatal      bool
		)

		c.mu.Lock()
		if c.state != StateConnected {
			c.mu.Unlock()
			return
		}
		if c.incoming == nil {
			c.incoming = packet.NewIncoming(c.opts.MaxPacketSize)
			c.headerFill = 0
			c.bodyFill = 0
			c.haveBody = false
		}

		if !c.haveBody {
			n, rep, wr := c.readBytesLocked(c.incoming.Header()[c.headerFill:packet.HeaderSize])
			c.headerFill += n
			reposts = append(reposts, rep...)
			writeReady = writeReady || wr
			progressed = progressed || n > 0
			if c.headerFill == packet.HeaderSize {
				if err := c.incoming.AllocateBody(); err != nil {
					// Declared length exceeds the negotiated max: the
					// stream cannot be re-synchronized.
					c.logger.Error().
						Uint32("declared", c.incoming.BodySize()).
						Uint32("max", c.incoming.MaxPacketSize()).
						Msg("Oversized packet, closing session")
					fatal = true
				} else {
					c.haveBody = true
				}
			}
		}

		if !fatal && c.haveBody {
			body := c.incoming.Body()
			if c.bodyFill < len(body) {
				n, rep, wr := c.readBytesLocked(body[c.bodyFill:])
				c.bodyFill += n
				reposts = append(reposts, rep...)
				writeReady = writeReady || wr
				progressed = progressed || n > 0
			}
			if c.bodyFill == len(body) {
				complete = c.incoming
				c.incoming = nil
				c.haveBody = false
			}
		}
		c.mu.Unlock()

		if fatal {
			c.CloseWithError(status.InvalidPacket)
			return
		}
		for _, idx := range reposts {
			if err := c.repostSlot(idx); err != nil {
				c.CloseWithError(status.ReadError)
				return
			}
		}
		c.creditMaintenance()
		if writeReady {
			c.signalWriteReady()
		}
		if complete != nil {
			c.m.PacketsReceived.Inc()
			c.m.BytesReceived.Add(float64(complete.TotalSize()))
			c.callbacks.OnNewPacket(complete)
		}
		if !progressed && complete == nil {
			return
		}
	}
}
