package cheburnet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

var (
	ErrEmptyMessage   = errors.New("nothing to send")
	ErrSendBusy       = errors.New("a send is already in flight for this chat")
	ErrUploadCanceled = errors.New("upload canceled")
)

// SendRequest is one composer submission: text, one attachment, or both.
type SendRequest struct {
	Text       string
	Attachment *OutgoingFile
}

type sendAPI interface {
	Upload(ctx context.Context, f OutgoingFile, onProgress func(sent, total int64)) (*UploadResult, error)
	SendMessage(ctx context.Context, chatID int64, text string, fileIDs []int64) (*Message, error)
}

type inflightSend struct {
	clientID     string
	cancelUpload context.CancelFunc
	canceled     bool
}

// SendPipeline runs optimistic sends: upload, submit, then reconcile with
// whatever the push channel already delivered. One send per chat at a time.
type SendPipeline struct {
	api     sendAPI
	ledger  *Ledger
	timeout time.Duration
	metrics *Metrics
	emit    func(Event)
	// onSent commits a confirmed message; it must tolerate the push echo
	// having arrived first.
	onSent func(chatID int64, m Message)

	mu   sync.Mutex
	busy map[int64]*inflightSend
}

func newSendPipeline(api sendAPI, ledger *Ledger, cfg *Config, metrics *Metrics, emit func(Event), onSent func(int64, Message)) *SendPipeline {
	return &SendPipeline{
		api:     api,
		ledger:  ledger,
		timeout: cfg.SendTimeout,
		metrics: metrics,
		emit:    emit,
		onSent:  onSent,
		busy:    make(map[int64]*inflightSend),
	}
}

// Busy reports whether chatID has a send in flight.
func (p *SendPipeline) Busy(chatID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy[chatID] != nil
}

// Cancel aborts the attachment upload of chatID's send, if one is running
// or has not reached the submit step yet.
func (p *SendPipeline) Cancel(chatID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.busy[chatID]
	if s == nil || s.cancelUpload == nil {
		return false
	}
	s.canceled = true
	s.cancelUpload()
	return true
}

// Send submits req to chatID. On any failure the draft is put back exactly
// as it was and the error is returned.
func (p *SendPipeline) Send(ctx context.Context, chatID int64, req SendRequest) (*Message, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && req.Attachment == nil {
		return nil, ErrEmptyMessage
	}

	p.mu.Lock()
	if p.busy[chatID] != nil {
		p.mu.Unlock()
		p.metrics.Sends.WithLabelValues("busy").Inc()
		return nil, ErrSendBusy
	}
	s := &inflightSend{clientID: uuid.NewString()}
	p.busy[chatID] = s
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.busy, chatID)
		p.mu.Unlock()
	}()

	draft := p.ledger.Draft(chatID)
	if draft == "" {
		draft = req.Text
	}
	p.ledger.SetDraft(chatID, "")
	p.emit(EventSendPending{ChatID: chatID, ClientID: s.clientID, Text: text})

	fail := func(err error, result string) (*Message, error) {
		p.ledger.SetDraft(chatID, draft)
		p.metrics.Sends.WithLabelValues(result).Inc()
		jww.WARN.Printf("[SEND] chat %d (%s): %v", chatID, s.clientID, err)
		p.emit(EventSendFailed{ChatID: chatID, ClientID: s.clientID, Err: err, RestoredDraft: draft})
		return nil, err
	}

	var fileIDs []int64
	if req.Attachment != nil {
		upCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		s.cancelUpload = cancel
		p.mu.Unlock()

		res, err := p.api.Upload(upCtx, *req.Attachment, func(sent, total int64) {
			p.emit(EventUploadProgress{ChatID: chatID, ClientID: s.clientID, Sent: sent, Total: total})
		})
		cancel()
		if p.wasCanceled(s) {
			return fail(ErrUploadCanceled, "canceled")
		}
		if err != nil {
			return fail(errors.Wrap(err, "upload"), "failed")
		}
		fileIDs = []int64{res.FileID}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	msg, err := p.api.SendMessage(sendCtx, chatID, text, fileIDs)
	cancel()
	if err != nil {
		return fail(errors.Wrap(err, "send"), "failed")
	}

	p.onSent(chatID, *msg)
	p.ledger.SetDraft(chatID, "")
	p.metrics.Sends.WithLabelValues("ok").Inc()
	p.emit(EventSendConfirmed{ChatID: chatID, ClientID: s.clientID, Message: *msg})
	return msg, nil
}

// wasCanceled also closes the cancel window: once the upload step is over a
// late Cancel has nothing to abort.
func (p *SendPipeline) wasCanceled(s *inflightSend) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.cancelUpload = nil
	return s.canceled
}
