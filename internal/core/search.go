package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/verce-team/sam-service/internal/store"
)

const defaultSearchEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"

// Wire types for the REST generateContent call used in search mode. The
// pinned SDK version has no google_search tool, so the request is built by
// hand; the upside is that grounding chunks carry per-source titles the
// SDK's citation metadata drops.
type restBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type restPart struct {
	Text       string    `json:"text,omitempty"`
	InlineData *restBlob `json:"inlineData,omitempty"`
}

type restContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []restPart `json:"parts"`
}

type searchTool struct {
	GoogleSearch struct{} `json:"google_search"`
}

type searchRequest struct {
	SystemInstruction *restContent  `json:"systemInstruction,omitempty"`
	Contents          []restContent `json:"contents"`
	Tools             []searchTool  `json:"tools"`
}

type searchResponse struct {
	Candidates []struct {
		Content           *restContent `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

// searchGenerate runs a search-grounded turn. The REST call is not
// streamed; the full answer is emitted as a single chunk followed by the
// terminal event carrying the grounding citations.
func (s *LLMService) searchGenerate(ctx context.Context, req *GenerateRequest, emit func(StreamEvent) bool) {
	body := searchRequest{
		SystemInstruction: &restContent{Parts: []restPart{{Text: req.SystemInstruction}}},
		Contents:          restHistory(req.History),
		Tools:             []searchTool{{}},
	}

	turn := restContent{Role: "user", Parts: []restPart{{Text: req.Prompt}}}
	if req.Attachment != nil {
		blob := &restBlob{MIMEType: req.Attachment.Type, Data: attachmentData(req.Attachment)}
		turn.Parts = append([]restPart{{InlineData: blob}}, turn.Parts...)
	}
	body.Contents = append(body.Contents, turn)

	payload, err := json.Marshal(body)
	if err != nil {
		emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("failed to encode search request: %w", err)})
		return
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s",
		s.searchEndpoint, resolveModel(req.ModelTier), url.QueryEscape(s.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("failed to build search request: %w", err)})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("gemini search request failed: %w", err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("gemini search request failed: status %d", resp.StatusCode)})
		return
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("failed to parse search response: %w", err)})
		return
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		emit(StreamEvent{Type: StreamError, Err: fmt.Errorf("search returned no candidates")})
		return
	}

	candidate := result.Candidates[0]
	var text string
	for _, part := range candidate.Content.Parts {
		text += part.Text
	}

	var citations []store.Citation
	if candidate.GroundingMetadata != nil {
		for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			citations = append(citations, store.Citation{URI: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}

	if text != "" {
		if !emit(StreamEvent{Type: StreamChunk, Text: text}) {
			return
		}
	}
	emit(StreamEvent{
		Type:      StreamComplete,
		FullText:  text,
		Citations: citations,
	})
}

// restHistory mirrors historyToContents for the REST wire shape.
func restHistory(history []store.Message) []restContent {
	var contents []restContent
	for i := range history {
		msg := &history[i]
		if msg.Author != store.AuthorUser && msg.Author != store.AuthorSam {
			continue
		}
		role := "model"
		if msg.Author == store.AuthorUser {
			role = "user"
		}
		parts := []restPart{{Text: msg.Text}}
		if msg.Attachment != nil {
			blob := &restBlob{MIMEType: msg.Attachment.Type, Data: attachmentData(msg.Attachment)}
			parts = append([]restPart{{InlineData: blob}}, parts...)
		}
		contents = append(contents, restContent{Role: role, Parts: parts})
	}
	return contents
}
