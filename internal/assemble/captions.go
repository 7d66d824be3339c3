package assemble

import (
	"github.com/zsiec/ccx"
)

// CaptionFunc receives decoded caption text. It is called synchronously from
// the assembler and must not block.
type CaptionFunc func(*ccx.CaptionFrame)

// captionExtractor decodes CEA-608 and CEA-708 captions carried in H.264
// SEI user data. It keeps per-channel decoder state across access units.
type captionExtractor struct {
	emit CaptionFunc

	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	// CEA-608 control codes are transmitted twice; the repeat is dropped
	// when it arrives within two frames of the original.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]uint64
	frames        uint64
}

func newCaptionExtractor(emit CaptionFunc) *captionExtractor {
	c := &captionExtractor{
		emit:   emit,
		cea608: make(map[int]*ccx.CEA608Decoder, 4),
		cea708: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	return c
}

// frameDone advances the frame counter used for 608 control-code dedup.
func (c *captionExtractor) frameDone() {
	c.frames++
}

func (c *captionExtractor) handleSEI(sei []byte, pts int64) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		if int(f) >= len(c.lastCtrl) {
			continue
		}
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.lastWasCtrl[f] && c.lastCtrl[f] == cp && c.frames-c.lastCtrlFrame[f] <= 2 {
				c.lastWasCtrl[f] = false
				continue
			}
			c.lastCtrl[f] = cp
			c.lastWasCtrl[f] = true
			c.lastCtrlFrame[f] = c.frames
		} else {
			c.lastWasCtrl[f] = false
		}

		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			c.send(frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			c.drainDTVCC(pts)
			c.dtvcc = c.dtvcc[:0]
		}
		c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
	}
}

func (c *captionExtractor) drainDTVCC(pts int64) {
	if len(c.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			// 708 services are numbered after the four 608 channels and
			// the two XDS/text slots.
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6}
			frame.Regions = svc.StyledRegions()
			c.send(frame)
		}
	}
	c.dtvcc = c.dtvcc[size:]
}

func (c *captionExtractor) send(frame *ccx.CaptionFrame) {
	if c.emit != nil {
		c.emit(frame)
	}
}
