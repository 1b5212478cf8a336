package agent

import (
	"context"
	"strings"

	"github.com/hula0401/marketvoice/pkg/types"
)

const maxSpeechChunkLen = 200

// emitSpeech runs §4.3 stage 7: chunk text sentence-aware, synthesize via
// the TTS adapter, and emit ordered chunks on the session's outbound
// stream. Synthesis runs best-effort — a TTS failure drops the audio but
// never fails the turn, since the text response has already been returned.
func (g *Graph) emitSpeech(ctx context.Context, sessionID, text string) {
	sentences := chunkSentences(text, maxSpeechChunkLen)
	if len(sentences) == 0 {
		return
	}

	textCh := make(chan string, len(sentences))
	for _, s := range sentences {
		textCh <- s
	}
	close(textCh)

	audioCh, err := g.tts.SynthesizeStream(ctx, textCh, g.cfg.Voice)
	if err != nil {
		return
	}

	seq := 0
	for data := range audioCh {
		g.audio.EmitAudio(sessionID, types.TTSChunk{Seq: seq, Data: data})
		seq++
	}
	g.audio.EmitAudio(sessionID, types.TTSChunk{Seq: seq, IsFinal: true})
}

// chunkSentences splits text into sentence-aware fragments no longer than
// maxLen. A sentence longer than maxLen on its own is hard-split.
func chunkSentences(text string, maxLen int) []string {
	sentences := splitSentences(text)

	var out []string
	var current strings.Builder
	for _, s := range sentences {
		if current.Len() > 0 && current.Len()+len(s)+1 > maxLen {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
		for len(s) > maxLen {
			if current.Len() > 0 {
				out = append(out, strings.TrimSpace(current.String()))
				current.Reset()
			}
			out = append(out, s[:maxLen])
			s = s[maxLen:]
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		out = append(out, strings.TrimSpace(current.String()))
	}
	return out
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}
