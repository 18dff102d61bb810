package speech

import (
	"context"
	"fmt"
	"sync"

	"github.com/medsimlabs/patientvoice/internal/wire"
)

// ErrSequence reports a protocol operation attempted out of order, for
// example sending text before the session has started or reusing a
// content id. The adapter rejects these locally instead of letting the
// remote model fail the stream.
var ErrSequence = fmt.Errorf("speech: protocol sequence violation")

type contentKind int

const (
	contentNone contentKind = iota
	contentText
	contentAudio
)

// Adapter layers the model's event protocol over an opaque Channel. It
// owns all outbound framing and enforces the legal operation order:
// sessionStart, promptStart, then content blocks, then promptEnd and
// sessionEnd. Adapters are single use; open a new one per session run.
type Adapter struct {
	ch Channel

	mu             sync.Mutex
	sessionStarted bool
	promptStarted  bool
	promptID       string
	openContent    contentKind
	openContentID  string
	usedContentIDs map[string]bool
	promptEnded    bool
	sessionEnded   bool
	closed         bool
}

func NewAdapter(ch Channel) *Adapter {
	return &Adapter{ch: ch, usedContentIDs: make(map[string]bool)}
}

func (a *Adapter) send(ctx context.Context, frame []byte, err error) error {
	if err != nil {
		return err
	}
	return a.ch.Send(ctx, frame)
}

func (a *Adapter) SendSessionStart(ctx context.Context, cfg wire.InferenceConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.sessionStarted {
		return fmt.Errorf("%w: sessionStart", ErrSequence)
	}
	frame, err := wire.SessionStartFrame(cfg)
	if err := a.send(ctx, frame, err); err != nil {
		return err
	}
	a.sessionStarted = true
	return nil
}

func (a *Adapter) SendPromptStart(ctx context.Context, promptID string, voice wire.VoiceConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.sessionStarted || a.promptStarted {
		return fmt.Errorf("%w: promptStart", ErrSequence)
	}
	frame, err := wire.PromptStartFrame(promptID, voice)
	if err := a.send(ctx, frame, err); err != nil {
		return err
	}
	a.promptStarted = true
	a.promptID = promptID
	return nil
}

func (a *Adapter) checkContentOpen(op string) error {
	if a.closed || !a.promptStarted || a.promptEnded {
		return fmt.Errorf("%w: %s outside an open prompt", ErrSequence, op)
	}
	if a.openContent != contentNone {
		return fmt.Errorf("%w: %s with content %s still open", ErrSequence, op, a.openContentID)
	}
	return nil
}

func (a *Adapter) claimContentID(contentID string) error {
	if a.usedContentIDs[contentID] {
		return fmt.Errorf("%w: content id %s already used", ErrSequence, contentID)
	}
	a.usedContentIDs[contentID] = true
	return nil
}

// OpenTextContent begins a TEXT content block in the given role.
func (a *Adapter) OpenTextContent(ctx context.Context, contentID, role string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkContentOpen("textContentStart"); err != nil {
		return err
	}
	if err := a.claimContentID(contentID); err != nil {
		return err
	}
	frame, err := wire.TextContentStartFrame(a.promptID, contentID, role)
	if err := a.send(ctx, frame, err); err != nil {
		return err
	}
	a.openContent = contentText
	a.openContentID = contentID
	return nil
}

// SendText writes a text payload into the currently open TEXT block.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.openContent != contentText {
		return fmt.Errorf("%w: textInput without an open text content", ErrSequence)
	}
	frame, err := wire.TextInputFrame(a.promptID, a.openContentID, text)
	return a.send(ctx, frame, err)
}

// OpenAudioContent begins the user AUDIO content block for one
// microphone turn.
func (a *Adapter) OpenAudioContent(ctx context.Context, contentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkContentOpen("audioContentStart"); err != nil {
		return err
	}
	if err := a.claimContentID(contentID); err != nil {
		return err
	}
	frame, err := wire.AudioContentStartFrame(a.promptID, contentID)
	if err := a.send(ctx, frame, err); err != nil {
		return err
	}
	a.openContent = contentAudio
	a.openContentID = contentID
	return nil
}

// SendAudioChunk base64-encodes and forwards one chunk of raw PCM into
// the open AUDIO block.
func (a *Adapter) SendAudioChunk(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.openContent != contentAudio {
		return fmt.Errorf("%w: audioInput without an open audio content", ErrSequence)
	}
	frame, err := wire.AudioInputFrame(a.promptID, a.openContentID, audio)
	return a.send(ctx, frame, err)
}

// CloseContent ends whichever content block is currently open.
func (a *Adapter) CloseContent(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.openContent == contentNone {
		return fmt.Errorf("%w: contentEnd without an open content", ErrSequence)
	}
	frame, err := wire.ContentEndFrame(a.promptID, a.openContentID)
	if err := a.send(ctx, frame, err); err != nil {
		return err
	}
	a.openContent = contentNone
	a.openContentID = ""
	return nil
}

func (a *Adapter) SendPromptEnd(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.promptStarted || a.promptEnded || a.openContent != contentNone {
		return fmt.Errorf("%w: promptEnd", ErrSequence)
	}
	frame, err := wire.PromptEndFrame(a.promptID)
	if err := a.send(ctx, frame, err); err != nil {
		return err
	}
	a.promptEnded = true
	return nil
}

func (a *Adapter) SendSessionEnd(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.sessionStarted || a.sessionEnded {
		return fmt.Errorf("%w: sessionEnd", ErrSequence)
	}
	if a.promptStarted && !a.promptEnded {
		return fmt.Errorf("%w: sessionEnd before promptEnd", ErrSequence)
	}
	frame, err := wire.SessionEndFrame()
	if err := a.send(ctx, frame, err); err != nil {
		return err
	}
	a.sessionEnded = true
	return nil
}

// Receive returns the next raw payload from the model.
func (a *Adapter) Receive(ctx context.Context) ([]byte, error) {
	return a.ch.Receive(ctx)
}

// AudioContentOpen reports whether a user audio block is currently open.
func (a *Adapter) AudioContentOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openContent == contentAudio
}

// CloseChannel tears the channel down without any protocol farewell.
// Safe to call more than once and after SendSessionEnd.
func (a *Adapter) CloseChannel() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	return a.ch.Close()
}
