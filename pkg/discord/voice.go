package discord

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"

	"github.com/lrhodin/w2d/pkg/connector"
)

const (
	// A clip ends once its speaker has been silent this long.
	clipSilence    = 1500 * time.Millisecond
	minClipPackets = 25 // ~0.5s of 20ms opus frames

	opusPayloadType = 120
	opusSampleRate  = 48000
	opusChannels    = 2
)

type clip struct {
	buf     bytes.Buffer
	ogg     *oggwriter.OggWriter
	packets int
	last    time.Time
}

// Recorder sits in a voice room and turns each utterance into an mp3 clip
// on the audio queue.
type Recorder struct {
	session *discordgo.Session
	media   connector.MediaConverter
	queue   connector.AudioQueue
	log     zerolog.Logger
	ctx     context.Context

	lock   sync.Mutex
	roomID string
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

var _ connector.VoiceRecorder = (*Recorder)(nil)

func NewRecorder(ctx context.Context, c *Client, media connector.MediaConverter, queue connector.AudioQueue, log zerolog.Logger) *Recorder {
	return &Recorder{
		session: c.session,
		media:   media,
		queue:   queue,
		log:     log,
		ctx:     ctx,
	}
}

// WatchRoom joins the voice room, leaving the previous one if needed.
func (r *Recorder) WatchRoom(guildID, roomID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if roomID == r.roomID {
		return
	}
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.roomID = roomID
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.stop = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.record(ctx, guildID, roomID)
	}()
}

func (r *Recorder) Close() {
	r.lock.Lock()
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.roomID = ""
	r.lock.Unlock()
	r.wg.Wait()
}

func (r *Recorder) record(ctx context.Context, guildID, roomID string) {
	log := r.log.With().Str("room_id", roomID).Logger()
	vc, err := r.session.ChannelVoiceJoin(guildID, roomID, true, false)
	if err != nil {
		log.Err(err).Msg("Failed to join voice room")
		return
	}
	defer func() {
		if err := vc.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("Failed to leave voice room")
		}
	}()
	log.Info().Msg("Listening in voice room")

	clips := make(map[uint32]*clip)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for ssrc, c := range clips {
				r.finish(log, ssrc, c)
			}
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				log.Warn().Msg("Voice receive channel closed")
				return
			}
			c, err := r.write(clips, pkt)
			if err != nil {
				log.Warn().Err(err).Uint32("ssrc", pkt.SSRC).Msg("Failed to write voice packet")
				continue
			}
			c.last = time.Now()
		case now := <-ticker.C:
			for ssrc, c := range clips {
				if now.Sub(c.last) >= clipSilence {
					delete(clips, ssrc)
					r.finish(log, ssrc, c)
				}
			}
		}
	}
}

func (r *Recorder) write(clips map[uint32]*clip, pkt *discordgo.Packet) (*clip, error) {
	c, ok := clips[pkt.SSRC]
	if !ok {
		c = &clip{}
		ogg, err := oggwriter.NewWith(&c.buf, opusSampleRate, opusChannels)
		if err != nil {
			return nil, err
		}
		c.ogg = ogg
		clips[pkt.SSRC] = c
	}
	err := c.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: pkt.Sequence,
			Timestamp:      pkt.Timestamp,
			SSRC:           pkt.SSRC,
		},
		Payload: pkt.Opus,
	})
	if err != nil {
		return c, err
	}
	c.packets++
	return c, nil
}

func (r *Recorder) finish(log zerolog.Logger, ssrc uint32, c *clip) {
	if err := c.ogg.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close ogg writer")
	}
	if c.packets < minClipPackets {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	mp3, err := r.media.Convert(ctx, c.buf.Bytes(), "audio/ogg", "mp3", nil, nil)
	if err != nil {
		log.Err(err).Uint32("ssrc", ssrc).Msg("Failed to convert recorded clip")
		return
	}
	id := r.queue.Enqueue(mp3)
	log.Info().
		Str("clip_id", id).
		Str("duration", fmt.Sprintf("%.1fs", float64(c.packets)*0.02)).
		Msg("Recorded voice clip")
}
