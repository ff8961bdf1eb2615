// Package ragclient speaks the wire contract of the external RAG
// (embedding + vector store) service. The Client interface is narrow so
// tests can substitute an in-process fake.
package ragclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/obsidian-sync/bridge/pkg/apperr"
)

// Client is the narrow interface VaultTools/GitSync depend on.
type Client interface {
	Embed(ctx context.Context, fileID, content string, metadata map[string]any) error
	Delete(ctx context.Context, fileID string) error
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorFallback is the subset of the vector querier a Client needs for
// the embed-query DB fallback: read back the embedding row for a
// synthetic temporary document.
type VectorFallback interface {
	LookupEmbedding(ctx context.Context, fileID string) ([]float32, error)
}

// HTTPClient is the production RAG service client.
type HTTPClient struct {
	baseURL    string
	jwtSecret  string
	httpClient *http.Client
	vectorDB   VectorFallback
}

// New returns an HTTPClient. vectorDB may be nil if the fast-path embed
// endpoint is always expected to succeed; EmbedQuery then fails if the fast
// path is unavailable.
func New(baseURL, jwtSecret string, vectorDB VectorFallback) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		jwtSecret:  jwtSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		vectorDB:   vectorDB,
	}
}

// mintToken builds a 5-minute HS256 JWT with payload {id: userID, exp}.
// Both binaries mint a fresh token per call rather than sharing one.
func (c *HTTPClient) mintToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"id":  userID,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.jwtSecret))
}

// Embed uploads content for fileID via multipart POST /embed.
// metadata must carry at least user_id and filename.
func (c *HTTPClient) Embed(ctx context.Context, fileID, content string, metadata map[string]any) error {
	userID, _ := metadata["user_id"].(string)
	token, err := c.mintToken(userID)
	if err != nil {
		return apperr.Wrap(apperr.ErrRAGService, "minting jwt: "+err.Error())
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return apperr.Wrap(apperr.ErrRAGService, "marshaling metadata: "+err.Error())
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	// The file part declares text/markdown rather than multipart's default
	// application/octet-stream; the service chunks by declared type.
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileID))
	partHeader.Set("Content-Type", "text/markdown")
	filePart, err := writer.CreatePart(partHeader)
	if err != nil {
		return err
	}
	if _, err := filePart.Write([]byte(content)); err != nil {
		return err
	}
	if err := writer.WriteField("file_id", fileID); err != nil {
		return err
	}
	if err := writer.WriteField("storage_metadata", string(metaJSON)); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrRAGService, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return apperr.Wrap(apperr.ErrRAGService, fmt.Sprintf("embed %s: status %d: %s", fileID, resp.StatusCode, string(data)))
	}
	return nil
}

// Delete removes all chunks for fileID. A 404 is treated as success
// (already absent).
func (c *HTTPClient) Delete(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/embed/"+url.PathEscape(fileID), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrRAGService, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return apperr.Wrap(apperr.ErrRAGService, fmt.Sprintf("delete %s: status %d: %s", fileID, resp.StatusCode, string(data)))
}

type localEmbedRequest struct {
	Text string `json:"text"`
}

type localEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedQuery obtains a query embedding via the optional /local/embed fast
// path. If that endpoint is absent or non-2xx, it falls back to posting a
// temporary document via Embed under a synthetic file_id, reading the
// embedding back from the vector DB, and deleting the temporary document.
func (c *HTTPClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.tryFastPath(ctx, text); ok {
		return vec, nil
	}

	if c.vectorDB == nil {
		return nil, apperr.Wrap(apperr.ErrRAGService, "local embed endpoint unavailable and no vector DB fallback configured")
	}

	tempFileID := "query_temp_" + uuid.NewString()
	if err := c.Embed(ctx, tempFileID, text, map[string]any{
		"user_id":  "__query__",
		"filename": tempFileID,
	}); err != nil {
		return nil, err
	}
	defer func() { _ = c.Delete(ctx, tempFileID) }()

	return c.vectorDB.LookupEmbedding(ctx, tempFileID)
}

func (c *HTTPClient) tryFastPath(ctx context.Context, text string) ([]float32, bool) {
	body, err := json.Marshal(localEmbedRequest{Text: text})
	if err != nil {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/local/embed", bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, false
	}

	var out localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false
	}
	return out.Embedding, true
}

// FileID computes the canonical join-key between the gateway's writes and
// the worker's indexing: user_<user_id>_obsidian_vault/<relpath>.
// vaultRelPath must not carry the "obsidian_vault/" prefix; it is added here.
func FileID(userID, vaultRelPath string) string {
	return "user_" + userID + "_obsidian_vault/" + vaultRelPath
}
