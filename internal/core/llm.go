package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/verce-team/sam-service/internal/store"
)

// Model tiers exposed to users, mapped onto Gemini models.
const (
	TierSMI1 = "sm-i1"
	TierSMI3 = "sm-i3"
)

var modelMap = map[string]string{
	TierSMI1: "gemini-2.5-flash",
	TierSMI3: "gemini-2.5-pro",
}

const (
	detectionModelName = "gemini-2.5-pro" // better function calling
	imageModelName     = "gemini-2.5-flash-image"
)

func resolveModel(tier string) string {
	if name, ok := modelMap[tier]; ok {
		return name
	}
	return modelMap[TierSMI1]
}

// LLMService wraps the Gemini client. All generation, classification, image
// and essay calls go through here; callers never see SDK types.
//
// Search mode is the one exception to the SDK: the pinned SDK version does
// not expose the google_search grounding tool, so those calls go through
// the REST generateContent endpoint (see search.go).
type LLMService struct {
	client *genai.Client

	apiKey         string
	httpClient     *http.Client
	searchEndpoint string
}

func NewLLMService(ctx context.Context, apiKey string) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMService{
		client:         client,
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: 2 * time.Minute},
		searchEndpoint: defaultSearchEndpoint,
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		}
	}
}

// attachmentData returns the attachment's base64 payload. Data stored as a
// data URL is tolerated; only the base64 tail is kept.
func attachmentData(att *store.Attachment) string {
	payload := att.Data
	if idx := strings.Index(payload, ","); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	return payload
}

// attachmentToPart converts an inline attachment into a request part.
func attachmentToPart(att *store.Attachment) (genai.Part, error) {
	data, err := base64.StdEncoding.DecodeString(attachmentData(att))
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %q: %w", att.Name, err)
	}
	return genai.Blob{MIMEType: att.Type, Data: data}, nil
}

// GenerateRequest describes one streaming generation turn.
type GenerateRequest struct {
	Prompt            string
	SystemInstruction string
	History           []store.Message // trailing chat history, oldest first
	Attachment        *store.Attachment
	Mode              Mode
	ModelTier         string
}

// StreamGenerate opens a token stream and returns its event sequence. The
// channel yields StreamChunk/StreamLogs events and is closed after exactly
// one terminal StreamComplete or StreamError. Cancelling the context stops
// the sequence without a terminal event and without further mutation.
func (s *LLMService) StreamGenerate(ctx context.Context, req *GenerateRequest) <-chan StreamEvent {
	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		s.streamGenerate(ctx, req, events)
	}()
	return events
}

func (s *LLMService) streamGenerate(ctx context.Context, req *GenerateRequest, events chan<- StreamEvent) {
	emit := func(ev StreamEvent) bool {
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
			return true
		}
	}

	if req.Mode == ModeSearch {
		s.searchGenerate(ctx, req, emit)
		return
	}

	model := s.client.GenerativeModel(resolveModel(req.ModelTier))
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemInstruction)}}

	session := model.StartChat()
	history, err := historyToContents(req.History)
	if err != nil {
		emit(StreamEvent{Type: StreamError, Err: err})
		return
	}
	session.History = history

	parts := []genai.Part{genai.Text(req.Prompt)}
	if req.Attachment != nil {
		part, err := attachmentToPart(req.Attachment)
		if err != nil {
			emit(StreamEvent{Type: StreamError, Err: err})
			return
		}
		parts = append([]genai.Part{part}, parts...)
	}

	if ctx.Err() != nil {
		return
	}

	iter := session.SendMessageStream(ctx, parts...)

	var fullText strings.Builder
	var allLogs []string
	var citations []store.Citation

	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("gemini stream failed: %w", err)})
			return
		}
		if ctx.Err() != nil {
			return
		}

		chunkText := responseText(resp)
		if chunkText != "" {
			if req.Mode == ModeMath {
				logs, content := splitMathChunk(chunkText)
				if len(logs) > 0 {
					allLogs = append(allLogs, logs...)
					if !emit(StreamEvent{Type: StreamLogs, Logs: logs}) {
						return
					}
				}
				if content != "" {
					fullText.WriteString(content)
					if !emit(StreamEvent{Type: StreamChunk, Text: content}) {
						return
					}
				}
			} else {
				fullText.WriteString(chunkText)
				if !emit(StreamEvent{Type: StreamChunk, Text: chunkText}) {
					return
				}
			}
		}

		citations = append(citations, reduceCitations(resp)...)
	}

	emit(StreamEvent{
		Type:      StreamComplete,
		FullText:  fullText.String(),
		Citations: citations,
		Logs:      allLogs,
	})
}

func historyToContents(history []store.Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for i := range history {
		msg := &history[i]
		if msg.Author != store.AuthorUser && msg.Author != store.AuthorSam {
			continue
		}
		role := "model"
		if msg.Author == store.AuthorUser {
			role = "user"
		}
		parts := []genai.Part{genai.Text(msg.Text)}
		if msg.Attachment != nil {
			part, err := attachmentToPart(msg.Attachment)
			if err != nil {
				return nil, err
			}
			parts = append([]genai.Part{part}, parts...)
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// reduceCitations strips the backend's citation metadata down to the two
// fields worth persisting.
func reduceCitations(resp *genai.GenerateContentResponse) []store.Citation {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].CitationMetadata == nil {
		return nil
	}
	var citations []store.Citation
	for _, src := range resp.Candidates[0].CitationMetadata.CitationSources {
		if src == nil || src.URI == nil || *src.URI == "" {
			continue
		}
		citations = append(citations, store.Citation{URI: *src.URI})
	}
	return citations
}

// ModeDetection is a confident classification of the user's intent.
type ModeDetection struct {
	Mode      Mode
	Reasoning string
}

var setChatModeDeclaration = &genai.FunctionDeclaration{
	Name: "set_chat_mode",
	Description: "Detects if the user's query requires a specialized assistant mode and sets it. " +
		"Only use this function if the user's intent is very clear (e.g., they ask to 'solve', 'code', 'draw', or 'search'). " +
		"For general conversation, do not call this function.",
	Parameters: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"mode": {
				Type:        genai.TypeString,
				Description: "The specialized mode to switch to.",
				Enum:        []string{"math", "canvasdev", "search", "image_generation"},
			},
			"reasoning": {
				Type: genai.TypeString,
				Description: "A brief, user-facing message in Spanish explaining why the mode is being changed. " +
					"For example: 'Cambiando a modo matemático para resolver la ecuación.'",
			},
		},
		Required: []string{"mode", "reasoning"},
	},
}

// DetectMode asks the backend to classify the prompt's intent. It returns
// (nil, nil) whenever there is no confident, allow-listed classification;
// callers treat every failure as "stay in the default mode".
func (s *LLMService) DetectMode(ctx context.Context, prompt, systemInstruction string) (*ModeDetection, error) {
	model := s.client.GenerativeModel(detectionModelName)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}
	model.Tools = []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{setChatModeDeclaration}}}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini mode detection failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, nil
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		call, ok := part.(genai.FunctionCall)
		if !ok || call.Name != "set_chat_mode" {
			continue
		}
		mode, _ := call.Args["mode"].(string)
		reasoning, _ := call.Args["reasoning"].(string)
		if IsDetectable(Mode(mode)) {
			return &ModeDetection{Mode: Mode(mode), Reasoning: reasoning}, nil
		}
	}
	return nil, nil
}

// GenerateImage runs a single request/response image generation, optionally
// editing a provided attachment.
func (s *LLMService) GenerateImage(ctx context.Context, prompt string, attachment *store.Attachment) (*store.Attachment, error) {
	model := s.client.GenerativeModel(imageModelName)

	parts := []genai.Part{genai.Text(prompt)}
	if attachment != nil {
		part, err := attachmentToPart(attachment)
		if err != nil {
			return nil, err
		}
		parts = append([]genai.Part{part}, parts...)
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini image generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no image was generated")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if blob, ok := part.(genai.Blob); ok {
			return &store.Attachment{
				Name: "generated-image.png",
				Type: blob.MIMEType,
				Data: base64.StdEncoding.EncodeToString(blob.Data),
			}, nil
		}
	}
	return nil, fmt.Errorf("no image was generated")
}

// Essay calls.

var essayOutlineSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"outline": {
			Type:        genai.TypeArray,
			Description: "The essay outline, with each object being a section.",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"title": {Type: genai.TypeString, Description: "The title of the essay section."},
					"points": {
						Type:        genai.TypeArray,
						Description: "An array of strings, where each string is a key point to cover in this section.",
						Items:       &genai.Schema{Type: genai.TypeString},
					},
				},
				Required: []string{"title", "points"},
			},
		},
	},
	Required: []string{"outline"},
}

var essayReferencesSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"references": {
			Type:        genai.TypeArray,
			Description: "An array of 3 to 5 reference strings in APA format.",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"references"},
}

// GenerateEssayOutline requests a structured outline. Section IDs are not
// assigned here; the composer owns them.
func (s *LLMService) GenerateEssayOutline(ctx context.Context, prompt, systemInstruction, modelTier string) ([]store.EssaySection, error) {
	model := s.client.GenerativeModel(resolveModel(modelTier))
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = essayOutlineSchema

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini outline generation failed: %w", err)
	}

	var result struct {
		Outline []struct {
			Title  string   `json:"title"`
			Points []string `json:"points"`
		} `json:"outline"`
	}
	if err := json.Unmarshal([]byte(responseText(resp)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse outline response: %w", err)
	}

	sections := make([]store.EssaySection, 0, len(result.Outline))
	for _, s := range result.Outline {
		sections = append(sections, store.EssaySection{Title: s.Title, Points: s.Points})
	}
	return sections, nil
}

// StreamEssaySection streams plain-text content for one outline section.
func (s *LLMService) StreamEssaySection(ctx context.Context, prompt, systemInstruction, modelTier string) <-chan StreamEvent {
	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		emit := func(ev StreamEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case events <- ev:
				return true
			}
		}

		model := s.client.GenerativeModel(resolveModel(modelTier))
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}

		if ctx.Err() != nil {
			return
		}
		iter := model.GenerateContentStream(ctx, genai.Text(prompt))

		var fullText strings.Builder
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("gemini section stream failed: %w", err)})
				return
			}
			if chunk := responseText(resp); chunk != "" {
				fullText.WriteString(chunk)
				if !emit(StreamEvent{Type: StreamChunk, Text: chunk}) {
					return
				}
			}
		}
		emit(StreamEvent{Type: StreamComplete, FullText: fullText.String()})
	}()
	return events
}

// GenerateEssayReferences returns a small list of APA-formatted citations
// for the assembled essay text.
func (s *LLMService) GenerateEssayReferences(ctx context.Context, prompt, systemInstruction, modelTier string) ([]string, error) {
	model := s.client.GenerativeModel(resolveModel(modelTier))
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = essayReferencesSchema

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini reference generation failed: %w", err)
	}

	var result struct {
		References []string `json:"references"`
	}
	if err := json.Unmarshal([]byte(responseText(resp)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse references response: %w", err)
	}
	return result.References, nil
}
