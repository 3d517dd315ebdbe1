package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/verce-team/sam-service/internal/store"
)

// User-facing error strings. Raw backend errors never reach the client.
const (
	errTextGeneration  = "Error de conexión. Por favor, revisa tu conexión a internet e inténtalo de nuevo."
	errTextImage       = "SAM tuvo un error al generar la imagen. Por favor, inténtalo de nuevo."
	imageConfirmation  = "Aquí tienes la imagen que generé."
	fallbackChatTitle  = "Nuevo Chat"
	voiceChatTitle     = "Conversación de Voz"
	historyWindowSize  = 10
	chatTitleRuneLimit = 30
)

var (
	// ErrBusy rejects a send while another one is in flight.
	ErrBusy = errors.New("a request is already in flight")
	// ErrEmptySend rejects a send with no prompt and no attachment.
	ErrEmptySend = errors.New("prompt is empty and no attachment is set")
	// ErrQuotaExceeded rejects a send locally once the SM-I3 daily limit is hit.
	ErrQuotaExceeded = errors.New("daily SM-I3 limit reached")
	// ErrChatNotFound rejects a send addressed to a chat the user does not own.
	ErrChatNotFound = errors.New("chat not found")
)

// ChatStore is the persistence surface the orchestrator needs. Implemented
// by *store.SQLiteStore; narrowed here so tests can substitute a fake.
type ChatStore interface {
	CreateChat(userID int64, id, title string) (*store.Chat, error)
	GetChatByID(chatID string, userID int64) (*store.Chat, error)
	CreateMessage(msg *store.Message) error
	AppendMessageText(messageID, chunk string) error
	FinalizeMessage(messageID string, final store.MessageFinal) error
	SetMessageEssay(messageID string, essay *store.Essay) error
	GetLastNMessagesByChatID(chatID string, n int) ([]store.Message, error)
	GetSettings(userID int64) (store.Settings, error)
	GetUsage(userID int64, today string) (store.UsageTracker, error)
	PutUsage(userID int64, usage store.UsageTracker) error
}

// Generator is the backend surface used for a send.
type Generator interface {
	DetectMode(ctx context.Context, prompt, systemInstruction string) (*ModeDetection, error)
	StreamGenerate(ctx context.Context, req *GenerateRequest) <-chan StreamEvent
	GenerateImage(ctx context.Context, prompt string, attachment *store.Attachment) (*store.Attachment, error)
}

// sendPhase is the explicit state of one chat's orchestrated send. Illegal
// transitions (double-send, updates after release) cannot happen because
// every transition goes through the mutex.
type sendPhase int

const (
	phaseIdle sendPhase = iota
	phaseSending
	phaseStreaming
)

// EventKind tags orchestrator events as they stream to the caller.
type EventKind int

const (
	// EventChatCreated reports the chat auto-created on first send.
	EventChatCreated EventKind = iota
	// EventUserMessage reports the appended user message.
	EventUserMessage
	// EventSystemMessage reports the mode-switch notice.
	EventSystemMessage
	// EventAssistantCreated reports the assistant placeholder.
	EventAssistantCreated
	// EventChunk carries streamed visible text.
	EventChunk
	// EventLog carries streamed console log lines.
	EventLog
	// EventComplete is the successful terminal event.
	EventComplete
	// EventFailed is the failing terminal event; Text holds the
	// user-facing error already written into the assistant message.
	EventFailed
)

// Event is one element of the send sequence delivered to the API layer.
type Event struct {
	Kind    EventKind
	ChatID  string
	Message *store.Message // set on the *Created/*Message kinds
	Text    string         // chunk text, final visible text, or error text
	Logs    []string
	Mode    Mode // effective mode, set on EventSystemMessage/EventAssistantCreated
}

// Orchestrator owns the per-chat send state machine. One send is logically
// active per chat at a time; sends on other chats proceed independently. A
// chat absent from the maps is idle.
type Orchestrator struct {
	store ChatStore
	llm   Generator
	quota QuotaPolicy

	mu     sync.Mutex
	phase  map[string]sendPhase
	cancel map[string]context.CancelFunc
}

func NewOrchestrator(chatStore ChatStore, llm Generator, quota QuotaPolicy) *Orchestrator {
	return &Orchestrator{
		store:  chatStore,
		llm:    llm,
		quota:  quota,
		phase:  make(map[string]sendPhase),
		cancel: make(map[string]context.CancelFunc),
	}
}

// SendRequest is one user "send" action.
type SendRequest struct {
	ChatID     string // empty: create a chat for this send
	Prompt     string
	Attachment *store.Attachment
	Mode       Mode // the conversation's current mode; empty means normal
}

// Send runs one conversation turn. Guards are checked synchronously and
// reported as errors (ErrBusy, ErrEmptySend, ErrQuotaExceeded,
// ErrChatNotFound); past the guards it returns the event sequence, which is
// closed after exactly one EventComplete or EventFailed. Cancelling ctx
// stops the stream without further state mutation.
func (o *Orchestrator) Send(ctx context.Context, userID int64, req *SendRequest) (<-chan Event, error) {
	if req.Mode == "" {
		req.Mode = ModeNormal
	}
	if req.Prompt == "" && req.Attachment == nil {
		return nil, ErrEmptySend
	}

	settings, err := o.store.GetSettings(userID)
	if err != nil {
		log.Printf("Failed to load settings for user %d, using defaults: %v", userID, err)
		settings = store.DefaultSettings()
	}
	modelTier := settings.DefaultModel
	if settings.QuickMode {
		modelTier = TierSMI1
	}

	// Quota guard: a pure local check, never reaches the backend.
	if modelTier == TierSMI3 {
		usage, err := o.store.GetUsage(userID, Today())
		if err != nil {
			return nil, fmt.Errorf("failed to load usage: %w", err)
		}
		if usage.Count >= o.quota.Limit(usage.HasAttachment) {
			return nil, ErrQuotaExceeded
		}
	}

	// Ensure the chat exists before anything else so the failure is
	// synchronous.
	var chat *store.Chat
	created := false
	if req.ChatID == "" {
		title := chatTitle(req.Prompt)
		chat, err = o.store.CreateChat(userID, "", title)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat: %w", err)
		}
		created = true
	} else {
		chat, err = o.store.GetChatByID(req.ChatID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat: %w", err)
		}
		if chat == nil {
			return nil, ErrChatNotFound
		}
	}

	// The busy guard is keyed by chat: a send only blocks further sends on
	// the same chat. A stale cancellation token for the chat is fired
	// before it is replaced.
	o.mu.Lock()
	if o.phase[chat.ID] != phaseIdle {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.phase[chat.ID] = phaseSending
	if stale := o.cancel[chat.ID]; stale != nil {
		stale()
	}
	sendCtx, cancel := context.WithCancel(ctx)
	o.cancel[chat.ID] = cancel
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.phase, chat.ID)
		delete(o.cancel, chat.ID)
		o.mu.Unlock()
		cancel()
	}

	// History window is captured before this turn's messages are appended.
	history, err := o.store.GetLastNMessagesByChatID(chat.ID, historyWindowSize)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	// The user message lands before any backend call.
	userMsg := &store.Message{ChatID: chat.ID, Author: store.AuthorUser, Text: req.Prompt, Attachment: req.Attachment}
	if err := o.store.CreateMessage(userMsg); err != nil {
		release()
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}

	// Optimistic usage increment; rolled back if the backend call fails.
	if modelTier == TierSMI3 {
		o.bumpUsage(userID, +1, req.Attachment != nil)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer release()
		o.run(sendCtx, userID, chat, created, req, settings, modelTier, history, userMsg, events)
	}()
	return events, nil
}

func (o *Orchestrator) run(ctx context.Context, userID int64, chat *store.Chat, created bool,
	req *SendRequest, settings store.Settings, modelTier string,
	history []store.Message, userMsg *store.Message, events chan<- Event) {

	emit := func(ev Event) bool {
		ev.ChatID = chat.ID
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
			return true
		}
	}

	if created {
		if !emit(Event{Kind: EventChatCreated}) {
			return
		}
	}
	if !emit(Event{Kind: EventUserMessage, Message: userMsg}) {
		return
	}

	// Best-effort mode detection: only from the default mode, only without
	// an attachment, and never allowed to block the send.
	effectiveMode := req.Mode
	if effectiveMode == ModeNormal && req.Attachment == nil {
		detection, err := o.llm.DetectMode(ctx, req.Prompt, BuildSystemInstruction(ModeNormal, settings))
		if err != nil {
			log.Printf("Mode detection failed, staying in normal mode: %v", err)
		} else if detection != nil && ctx.Err() == nil {
			effectiveMode = detection.Mode
			systemMsg := &store.Message{ChatID: chat.ID, Author: store.AuthorSystem, Text: detection.Reasoning}
			if err := o.store.CreateMessage(systemMsg); err != nil {
				log.Printf("Failed to store mode-switch notice: %v", err)
			} else if !emit(Event{Kind: EventSystemMessage, Message: systemMsg, Mode: effectiveMode}) {
				return
			}
		}
	}

	samMsg := &store.Message{
		ChatID:             chat.ID,
		Author:             store.AuthorSam,
		Text:               "",
		Mode:               string(effectiveMode),
		GeneratingArtifact: effectiveMode == ModeCanvasDev,
		IsSearching:        effectiveMode == ModeSearch,
	}
	if err := o.store.CreateMessage(samMsg); err != nil {
		log.Printf("Failed to create assistant placeholder: %v", err)
		o.rollbackUsage(userID, modelTier)
		emit(Event{Kind: EventFailed, Text: errTextGeneration})
		return
	}
	if !emit(Event{Kind: EventAssistantCreated, Message: samMsg, Mode: effectiveMode}) {
		return
	}

	if effectiveMode == ModeImageGeneration {
		o.runImageGeneration(ctx, userID, req, modelTier, samMsg, emit)
		return
	}

	o.setPhase(chat.ID, phaseStreaming)

	stream := o.llm.StreamGenerate(ctx, &GenerateRequest{
		Prompt:            req.Prompt,
		SystemInstruction: BuildSystemInstruction(effectiveMode, settings),
		History:           history,
		Attachment:        req.Attachment,
		Mode:              effectiveMode,
		ModelTier:         modelTier,
	})

	for ev := range stream {
		if ctx.Err() != nil {
			return
		}
		switch ev.Type {
		case StreamChunk:
			if err := o.store.AppendMessageText(samMsg.ID, ev.Text); err != nil {
				log.Printf("Failed to append chunk to message %s: %v", samMsg.ID, err)
			}
			if !emit(Event{Kind: EventChunk, Message: samMsg, Text: ev.Text}) {
				return
			}
		case StreamLogs:
			if !emit(Event{Kind: EventLog, Message: samMsg, Logs: ev.Logs}) {
				return
			}
		case StreamComplete:
			final := store.MessageFinal{Citations: ev.Citations}
			visible := ev.FullText
			if effectiveMode == ModeMath && len(ev.Logs) > 0 {
				final.ConsoleLogs = ev.Logs
			}
			if effectiveMode == ModeCanvasDev {
				if artifact, stripped, ok := ExtractArtifact(ev.FullText); ok {
					final.Artifacts = []store.Artifact{artifact}
					visible = stripped
				}
			}
			final.Text = &visible
			if err := o.store.FinalizeMessage(samMsg.ID, final); err != nil {
				log.Printf("Failed to finalize message %s: %v", samMsg.ID, err)
			}
			emit(Event{Kind: EventComplete, Message: samMsg, Text: visible, Logs: ev.Logs})
			return
		case StreamError:
			log.Printf("Generation failed for message %s: %v", samMsg.ID, ev.Err)
			errText := fmt.Sprintf("Lo siento, hubo un error: %s", errTextGeneration)
			if err := o.store.FinalizeMessage(samMsg.ID, store.MessageFinal{Text: &errText}); err != nil {
				log.Printf("Failed to write error text to message %s: %v", samMsg.ID, err)
			}
			o.rollbackUsage(userID, modelTier)
			emit(Event{Kind: EventFailed, Message: samMsg, Text: errText})
			return
		}
	}
	// Stream ended without a terminal event: the send was superseded or
	// cancelled. No further mutation.
}

func (o *Orchestrator) runImageGeneration(ctx context.Context, userID int64, req *SendRequest,
	modelTier string, samMsg *store.Message, emit func(Event) bool) {

	image, err := o.llm.GenerateImage(ctx, req.Prompt, req.Attachment)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Image generation failed for message %s: %v", samMsg.ID, err)
		errText := fmt.Sprintf("Lo siento, hubo un error: %s", errTextImage)
		if err := o.store.FinalizeMessage(samMsg.ID, store.MessageFinal{Text: &errText}); err != nil {
			log.Printf("Failed to write error text to message %s: %v", samMsg.ID, err)
		}
		o.rollbackUsage(userID, modelTier)
		emit(Event{Kind: EventFailed, Message: samMsg, Text: errText})
		return
	}
	if ctx.Err() != nil {
		return
	}
	text := imageConfirmation
	if err := o.store.FinalizeMessage(samMsg.ID, store.MessageFinal{Text: &text, Attachment: image}); err != nil {
		log.Printf("Failed to finalize image message %s: %v", samMsg.ID, err)
	}
	emit(Event{Kind: EventComplete, Message: samMsg, Text: text})
}

func (o *Orchestrator) setPhase(chatID string, p sendPhase) {
	o.mu.Lock()
	o.phase[chatID] = p
	o.mu.Unlock()
}

// bumpUsage applies a usage delta for the SM-I3 tier, flooring at zero.
func (o *Orchestrator) bumpUsage(userID int64, delta int, withAttachment bool) {
	usage, err := o.store.GetUsage(userID, Today())
	if err != nil {
		log.Printf("Failed to load usage for user %d: %v", userID, err)
		return
	}
	usage.Count += delta
	if usage.Count < 0 {
		usage.Count = 0
	}
	usage.HasAttachment = usage.HasAttachment || withAttachment
	if err := o.store.PutUsage(userID, usage); err != nil {
		log.Printf("Failed to write usage for user %d: %v", userID, err)
	}
}

func (o *Orchestrator) rollbackUsage(userID int64, modelTier string) {
	if modelTier == TierSMI3 {
		o.bumpUsage(userID, -1, false)
	}
}

// chatTitle derives a new chat's title from the first prompt.
func chatTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) == 0 {
		return fallbackChatTitle
	}
	if len(runes) > chatTitleRuneLimit {
		runes = runes[:chatTitleRuneLimit]
	}
	return string(runes)
}

// SaveEssay copies the essay as an immutable snapshot onto the chat. With
// an empty chatID a dedicated chat is created; the returned message carries
// the snapshot and is the handle for later re-editing.
func (o *Orchestrator) SaveEssay(userID int64, chatID string, essay *store.Essay) (*store.Chat, *store.Message, error) {
	var chat *store.Chat
	var err error
	if chatID == "" {
		chat, err = o.store.CreateChat(userID, "", fmt.Sprintf("Ensayo: %s", essay.Topic))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create essay chat: %w", err)
		}
	} else {
		chat, err = o.store.GetChatByID(chatID, userID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load chat: %w", err)
		}
		if chat == nil {
			return nil, nil, ErrChatNotFound
		}
	}

	userMsg := &store.Message{
		ChatID: chat.ID,
		Author: store.AuthorUser,
		Text:   fmt.Sprintf("He creado un ensayo sobre %q.", essay.Topic),
	}
	if err := o.store.CreateMessage(userMsg); err != nil {
		return nil, nil, fmt.Errorf("failed to append essay user message: %w", err)
	}

	snapshot := *essay
	samMsg := &store.Message{
		ChatID: chat.ID,
		Author: store.AuthorSam,
		Text:   "¡Excelente! Aquí está el ensayo que compusimos juntos.",
		Essay:  &snapshot,
	}
	if err := o.store.CreateMessage(samMsg); err != nil {
		return nil, nil, fmt.Errorf("failed to append essay message: %w", err)
	}
	return chat, samMsg, nil
}

// UpdateEssayMessage re-saves an edited essay over an existing snapshot.
func (o *Orchestrator) UpdateEssayMessage(messageID string, essay *store.Essay) error {
	snapshot := *essay
	if err := o.store.SetMessageEssay(messageID, &snapshot); err != nil {
		return fmt.Errorf("failed to update essay snapshot: %w", err)
	}
	return nil
}

// AppendVoiceTurn finalizes one voice turn into a user+assistant message
// pair. With an empty chatID a voice chat is created first.
func (o *Orchestrator) AppendVoiceTurn(userID int64, chatID, userText, samText string) (*store.Chat, error) {
	var chat *store.Chat
	var err error
	if chatID == "" {
		chat, err = o.store.CreateChat(userID, "", voiceChatTitle)
		if err != nil {
			return nil, fmt.Errorf("failed to create voice chat: %w", err)
		}
	} else {
		chat, err = o.store.GetChatByID(chatID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat: %w", err)
		}
		if chat == nil {
			return nil, ErrChatNotFound
		}
	}

	userMsg := &store.Message{ChatID: chat.ID, Author: store.AuthorUser, Text: userText, Mode: string(ModeVoice)}
	if err := o.store.CreateMessage(userMsg); err != nil {
		return nil, fmt.Errorf("failed to append voice user message: %w", err)
	}
	samMsg := &store.Message{ChatID: chat.ID, Author: store.AuthorSam, Text: samText, Mode: string(ModeVoice)}
	if err := o.store.CreateMessage(samMsg); err != nil {
		return nil, fmt.Errorf("failed to append voice assistant message: %w", err)
	}
	return chat, nil
}
