package coaching

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadline/call-broker/internal/model"
)

func TestHTTPGenerator_Suggest(t *testing.T) {
	t.Run("posts the transcript and returns the reply", func(t *testing.T) {
		var got chatRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Ask which tools they use today.  "}}]}`))
		}))
		defer srv.Close()

		g := NewHTTPGenerator(srv.URL, "key-1", "gpt-4o-mini", time.Second)
		text, err := g.Suggest(context.Background(), Context{
			CallID: "CA1",
			Recent: []model.TranscriptEntry{{Text: "Hi, this is Sam", Speaker: "rep"}},
			Latest: model.TranscriptEntry{Text: "We use spreadsheets"},
		})
		require.NoError(t, err)
		assert.Equal(t, "Ask which tools they use today.", text)

		assert.Equal(t, "gpt-4o-mini", got.Model)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, "system", got.Messages[0].Role)
		assert.Contains(t, got.Messages[0].Content, NoSuggestion)
		assert.Contains(t, got.Messages[1].Content, "rep: Hi, this is Sam")
		assert.Contains(t, got.Messages[1].Content, "speaker: We use spreadsheets")
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := NewHTTPGenerator(srv.URL, "", "m", time.Second).Suggest(context.Background(), Context{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("empty choices is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		_, err := NewHTTPGenerator(srv.URL, "", "m", time.Second).Suggest(context.Background(), Context{})
		assert.Error(t, err)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := NewHTTPGenerator(srv.URL, "", "m", time.Second).Suggest(ctx, Context{})
		assert.Error(t, err)
	})
}

func TestFormatTranscript(t *testing.T) {
	out := FormatTranscript(Context{
		Recent: []model.TranscriptEntry{{Text: "a", Speaker: "rep"}, {Text: "b", Speaker: "customer"}},
		Latest: model.TranscriptEntry{Text: "c", Speaker: "rep"},
	})
	assert.Equal(t, "Transcript so far:\nrep: a\ncustomer: b\nrep: c\n", out)
}
