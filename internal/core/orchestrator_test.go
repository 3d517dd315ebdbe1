package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verce-team/sam-service/internal/store"
)

type fakeChatStore struct {
	mu       sync.Mutex
	chats    map[string]*store.Chat
	messages []*store.Message
	settings store.Settings
	usage    store.UsageTracker
	usageLog []int
	finals   map[string]store.MessageFinal
	appended map[string]string
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		chats:    map[string]*store.Chat{},
		settings: store.DefaultSettings(),
		usage:    store.UsageTracker{Date: Today()},
		finals:   map[string]store.MessageFinal{},
		appended: map[string]string{},
	}
}

func (f *fakeChatStore) CreateChat(userID int64, id, title string) (*store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	chat := &store.Chat{ID: id, UserID: userID, Title: title, CreatedAt: time.Now()}
	f.chats[id] = chat
	return chat, nil
}

func (f *fakeChatStore) GetChatByID(chatID string, userID int64) (*store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok || chat.UserID != userID {
		return nil, nil
	}
	return chat, nil
}

func (f *fakeChatStore) CreateMessage(msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeChatStore) AppendMessageText(messageID, chunk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[messageID] += chunk
	return nil
}

func (f *fakeChatStore) FinalizeMessage(messageID string, final store.MessageFinal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals[messageID] = final
	return nil
}

func (f *fakeChatStore) SetMessageEssay(messageID string, essay *store.Essay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.messages {
		if msg.ID == messageID {
			msg.Essay = essay
			return nil
		}
	}
	return errors.New("message not found")
}

func (f *fakeChatStore) GetLastNMessagesByChatID(chatID string, n int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, msg := range f.messages {
		if msg.ChatID == chatID {
			out = append(out, *msg)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (f *fakeChatStore) GetSettings(userID int64) (store.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeChatStore) GetUsage(userID int64, today string) (store.UsageTracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeChatStore) PutUsage(userID int64, usage store.UsageTracker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = usage
	f.usageLog = append(f.usageLog, usage.Count)
	return nil
}

func (f *fakeChatStore) messagesByAuthor(author string) []*store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Message
	for _, msg := range f.messages {
		if msg.Author == author {
			out = append(out, msg)
		}
	}
	return out
}

type fakeGenerator struct {
	mu        sync.Mutex
	detection *ModeDetection
	detectErr error
	events    []StreamEvent
	image     *store.Attachment
	imageErr  error
	lastReq   *GenerateRequest
	block     chan struct{} // when set, StreamGenerate waits before emitting
}

func (g *fakeGenerator) DetectMode(ctx context.Context, prompt, systemInstruction string) (*ModeDetection, error) {
	return g.detection, g.detectErr
}

func (g *fakeGenerator) StreamGenerate(ctx context.Context, req *GenerateRequest) <-chan StreamEvent {
	g.mu.Lock()
	g.lastReq = req
	block := g.block
	g.mu.Unlock()

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		if block != nil {
			<-block
		}
		for _, ev := range g.events {
			select {
			case <-ctx.Done():
				return
			case events <- ev:
			}
		}
	}()
	return events
}

func (g *fakeGenerator) GenerateImage(ctx context.Context, prompt string, attachment *store.Attachment) (*store.Attachment, error) {
	return g.image, g.imageErr
}

func (g *fakeGenerator) request() *GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReq
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining event channel")
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestSendRejectsEmpty(t *testing.T) {
	o := NewOrchestrator(newFakeChatStore(), &fakeGenerator{}, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	_, err := o.Send(context.Background(), 1, &SendRequest{Prompt: ""})
	assert.ErrorIs(t, err, ErrEmptySend)
}

func TestSendCreatesChatAndStreams(t *testing.T) {
	fs := newFakeChatStore()
	gen := &fakeGenerator{events: []StreamEvent{
		{Type: StreamChunk, Text: "Hola, "},
		{Type: StreamChunk, Text: "¿cómo estás?"},
		{Type: StreamComplete, FullText: "Hola, ¿cómo estás?"},
	}}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "Saluda"})
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, []EventKind{
		EventChatCreated, EventUserMessage, EventAssistantCreated,
		EventChunk, EventChunk, EventComplete,
	}, kinds(got))

	sams := fs.messagesByAuthor(store.AuthorSam)
	require.Len(t, sams, 1)
	final := fs.finals[sams[0].ID]
	require.NotNil(t, final.Text)
	assert.Equal(t, "Hola, ¿cómo estás?", *final.Text)
	assert.Equal(t, "Hola, ¿cómo estás?", fs.appended[sams[0].ID])
}

func TestSendChatNotFound(t *testing.T) {
	o := NewOrchestrator(newFakeChatStore(), &fakeGenerator{}, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	_, err := o.Send(context.Background(), 1, &SendRequest{ChatID: "missing", Prompt: "hola"})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestSendBusy(t *testing.T) {
	fs := newFakeChatStore()
	_, err := fs.CreateChat(1, "chat-1", "Prueba")
	require.NoError(t, err)
	gen := &fakeGenerator{
		block:  make(chan struct{}),
		events: []StreamEvent{{Type: StreamComplete, FullText: "ok"}},
	}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{ChatID: "chat-1", Prompt: "primero"})
	require.NoError(t, err)

	_, err = o.Send(context.Background(), 1, &SendRequest{ChatID: "chat-1", Prompt: "segundo"})
	assert.ErrorIs(t, err, ErrBusy)

	close(gen.block)
	collect(t, events)

	// The chat is idle again once the first send finishes.
	events, err = o.Send(context.Background(), 1, &SendRequest{ChatID: "chat-1", Prompt: "tercero"})
	require.NoError(t, err)
	collect(t, events)
}

// The busy guard is per chat: one user's in-flight send must not gate
// another user's chat.
func TestSendOtherChatsNotGated(t *testing.T) {
	fs := newFakeChatStore()
	_, err := fs.CreateChat(1, "chat-1", "Usuario uno")
	require.NoError(t, err)
	_, err = fs.CreateChat(2, "chat-2", "Usuario dos")
	require.NoError(t, err)
	gen := &fakeGenerator{
		block:  make(chan struct{}),
		events: []StreamEvent{{Type: StreamComplete, FullText: "ok"}},
	}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	first, err := o.Send(context.Background(), 1, &SendRequest{ChatID: "chat-1", Prompt: "hola"})
	require.NoError(t, err)

	// User 2's send is accepted while user 1's stream is still in flight.
	second, err := o.Send(context.Background(), 2, &SendRequest{ChatID: "chat-2", Prompt: "hola"})
	require.NoError(t, err)

	// A brand-new chat for a third user is never gated either.
	third, err := o.Send(context.Background(), 3, &SendRequest{Prompt: "hola"})
	require.NoError(t, err)

	close(gen.block)
	collect(t, first)
	collect(t, second)
	got := collect(t, third)
	assert.Equal(t, EventComplete, got[len(got)-1].Kind)
}

func TestSendQuotaExceeded(t *testing.T) {
	fs := newFakeChatStore()
	fs.settings.DefaultModel = TierSMI3
	fs.usage.Count = 20
	o := NewOrchestrator(fs, &fakeGenerator{}, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	_, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "hola"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

// Once a request that day carried an attachment the lower limit applies to
// every request, attachment or not.
func TestSendQuotaAttachmentLimit(t *testing.T) {
	fs := newFakeChatStore()
	fs.settings.DefaultModel = TierSMI3
	fs.usage.Count = 15
	fs.usage.HasAttachment = true
	o := NewOrchestrator(fs, &fakeGenerator{}, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	_, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "hola"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestSendQuickModeBypassesQuota(t *testing.T) {
	fs := newFakeChatStore()
	fs.settings.DefaultModel = TierSMI3
	fs.settings.QuickMode = true
	fs.usage.Count = 20
	gen := &fakeGenerator{events: []StreamEvent{{Type: StreamComplete, FullText: "ok"}}}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "hola", Mode: ModeGuide})
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, TierSMI1, gen.request().ModelTier)
	assert.Equal(t, 20, fs.usage.Count) // untouched
}

func TestSendUsageIncrementAndRollback(t *testing.T) {
	fs := newFakeChatStore()
	fs.settings.DefaultModel = TierSMI3
	fs.usage.Count = 3
	gen := &fakeGenerator{events: []StreamEvent{{Type: StreamError, Err: errors.New("backend down")}}}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "hola", Mode: ModeGuide})
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, EventFailed, got[len(got)-1].Kind)
	assert.Contains(t, got[len(got)-1].Text, "Lo siento, hubo un error")
	assert.Equal(t, []int{4, 3}, fs.usageLog)
}

func TestSendRollbackFloorsAtZero(t *testing.T) {
	fs := newFakeChatStore()
	o := NewOrchestrator(fs, &fakeGenerator{}, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	o.rollbackUsage(1, TierSMI3)
	assert.Equal(t, 0, fs.usage.Count)
}

func TestSendModeDetectionInsertsSystemMessage(t *testing.T) {
	fs := newFakeChatStore()
	gen := &fakeGenerator{
		detection: &ModeDetection{Mode: ModeMath, Reasoning: "Cambiando al modo de matemáticas."},
		events: []StreamEvent{
			{Type: StreamLogs, Logs: []string{"[LOG] x = 2"}},
			{Type: StreamChunk, Text: "El resultado es 2."},
			{Type: StreamComplete, FullText: "El resultado es 2.", Logs: []string{"[LOG] x = 2"}},
		},
	}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "resuelve x"})
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, []EventKind{
		EventChatCreated, EventUserMessage, EventSystemMessage, EventAssistantCreated,
		EventLog, EventChunk, EventComplete,
	}, kinds(got))
	assert.Equal(t, ModeMath, got[2].Mode)
	assert.Equal(t, ModeMath, gen.request().Mode)

	systems := fs.messagesByAuthor(store.AuthorSystem)
	require.Len(t, systems, 1)
	assert.Equal(t, "Cambiando al modo de matemáticas.", systems[0].Text)

	sams := fs.messagesByAuthor(store.AuthorSam)
	require.Len(t, sams, 1)
	assert.Equal(t, []string{"[LOG] x = 2"}, fs.finals[sams[0].ID].ConsoleLogs)
}

// A failed classification never blocks the send.
func TestSendDetectionFailureFallsBackToNormal(t *testing.T) {
	fs := newFakeChatStore()
	gen := &fakeGenerator{
		detectErr: errors.New("classifier down"),
		events:    []StreamEvent{{Type: StreamComplete, FullText: "hola"}},
	}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "hola"})
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, EventComplete, got[len(got)-1].Kind)
	assert.Equal(t, ModeNormal, gen.request().Mode)
	assert.Empty(t, fs.messagesByAuthor(store.AuthorSystem))
}

func TestSendCanvasDevExtractsArtifact(t *testing.T) {
	fullText := "Hecho. He creado el componente.\n```html\n<button>Hola</button>\n```"
	fs := newFakeChatStore()
	gen := &fakeGenerator{events: []StreamEvent{
		{Type: StreamChunk, Text: fullText},
		{Type: StreamComplete, FullText: fullText},
	}}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "un botón", Mode: ModeCanvasDev})
	require.NoError(t, err)
	collect(t, events)

	sams := fs.messagesByAuthor(store.AuthorSam)
	require.Len(t, sams, 1)
	assert.True(t, sams[0].GeneratingArtifact)

	final := fs.finals[sams[0].ID]
	require.Len(t, final.Artifacts, 1)
	assert.Equal(t, "<button>Hola</button>", final.Artifacts[0].Code)
	require.NotNil(t, final.Text)
	assert.Equal(t, "Hecho. He creado el componente.", *final.Text)
}

func TestSendImageGeneration(t *testing.T) {
	fs := newFakeChatStore()
	gen := &fakeGenerator{image: &store.Attachment{Name: "generated-image.png", Type: "image/png", Data: "aGk="}}
	o := NewOrchestrator(fs, gen, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	events, err := o.Send(context.Background(), 1, &SendRequest{Prompt: "un gato", Mode: ModeImageGeneration})
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, EventComplete, got[len(got)-1].Kind)
	assert.Equal(t, "Aquí tienes la imagen que generé.", got[len(got)-1].Text)

	sams := fs.messagesByAuthor(store.AuthorSam)
	require.Len(t, sams, 1)
	final := fs.finals[sams[0].ID]
	require.NotNil(t, final.Attachment)
	assert.Equal(t, "generated-image.png", final.Attachment.Name)
}

func TestChatTitle(t *testing.T) {
	assert.Equal(t, "Nuevo Chat", chatTitle(""))
	assert.Equal(t, "hola", chatTitle("hola"))

	long := strings.Repeat("á", 40)
	assert.Equal(t, strings.Repeat("á", 30), chatTitle(long))
}

func TestSaveEssayCreatesChatAndSnapshot(t *testing.T) {
	fs := newFakeChatStore()
	o := NewOrchestrator(fs, &fakeGenerator{}, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	essay := &store.Essay{Topic: "La fotosíntesis", Status: store.EssayIdle}
	chat, msg, err := o.SaveEssay(1, "", essay)
	require.NoError(t, err)

	assert.Equal(t, "Ensayo: La fotosíntesis", chat.Title)
	require.NotNil(t, msg.Essay)

	// The snapshot is detached from the caller's value.
	essay.Topic = "otro tema"
	assert.Equal(t, "La fotosíntesis", msg.Essay.Topic)

	require.Len(t, fs.messagesByAuthor(store.AuthorUser), 1)
	require.Len(t, fs.messagesByAuthor(store.AuthorSam), 1)
}

func TestAppendVoiceTurn(t *testing.T) {
	fs := newFakeChatStore()
	o := NewOrchestrator(fs, &fakeGenerator{}, QuotaPolicy{DailyLimit: 20, AttachmentLimit: 15})

	chat, err := o.AppendVoiceTurn(1, "", "hola sam", "hola, ¿en qué te ayudo?")
	require.NoError(t, err)
	assert.Equal(t, "Conversación de Voz", chat.Title)

	// Second turn lands on the same chat.
	again, err := o.AppendVoiceTurn(1, chat.ID, "cuéntame un chiste", "claro")
	require.NoError(t, err)
	assert.Equal(t, chat.ID, again.ID)

	users := fs.messagesByAuthor(store.AuthorUser)
	require.Len(t, users, 2)
	assert.Equal(t, string(ModeVoice), users[0].Mode)
	require.Len(t, fs.messagesByAuthor(store.AuthorSam), 2)
}
