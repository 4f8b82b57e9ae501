package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeyword_Classify(t *testing.T) {
	c := NewKeyword(nil)

	tests := []struct {
		text string
		want Label
	}{
		{"Database connection failed", Anomalous},
		{"User login successful", Normal},
		{"java.lang.NullPointerException thrown", Normal},
		{"unhandled exception in worker 3", Anomalous},
		{"Connection REFUSED by upstream", Anomalous},
		{"process ran out of memory", Anomalous},
		{"request timed out after 30s", Anomalous},
		{"errorless shutdown", Normal},
		{"", Normal},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := c.Classify(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyword_CustomList(t *testing.T) {
	c := NewKeyword([]string{"segfault", " "})

	got, err := c.Classify(context.Background(), "worker segfault at 0x0")
	require.NoError(t, err)
	assert.Equal(t, Anomalous, got)

	got, err = c.Classify(context.Background(), "Database connection failed")
	require.NoError(t, err)
	assert.Equal(t, Normal, got)
}

func TestKeyword_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeyword(nil).Classify(ctx, "failed")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, 1.0, Anomalous.Score())
	assert.Equal(t, 0.0, Normal.Score())
	assert.Equal(t, "anomalous", Anomalous.String())
	assert.Equal(t, "normal", Normal.String())
}

func TestNew_Backends(t *testing.T) {
	log := zap.NewNop()

	c, closer, err := New(DefaultConfig(), log)
	require.NoError(t, err)
	assert.IsType(t, &Keyword{}, c)
	assert.NoError(t, closer())

	_, _, err = New(Config{Backend: BackendOpenAI}, log)
	assert.Error(t, err)

	_, _, err = New(Config{Backend: "bert"}, log)
	assert.Error(t, err)

	_, _, err = New(Config{Backend: BackendONNX, VocabPath: filepath.Join(t.TempDir(), "missing.txt")}, log)
	assert.Error(t, err)
}

func writeVocab(t *testing.T, tokens ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	all := append([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]"}, tokens...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(all, "\n")+"\n"), 0o600))
	return path
}

func TestTokenizer_Encode(t *testing.T) {
	tok, err := newTokenizer(writeVocab(t, "database", "connection", "fail", "##ed", ":", "cafe"))
	require.NoError(t, err)

	ids, mask, types := tok.encode("Database  Connection FAILED: Café")
	// [CLS] database connection fail ##ed : cafe [SEP]
	assert.Equal(t, []int64{2, 4, 5, 6, 7, 8, 9, 3}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1, 1}, mask)
	assert.Equal(t, make([]int64, 8), types)

	ids, _, _ = tok.encode("unknown")
	assert.Equal(t, []int64{2, 1, 3}, ids)
}

func TestTokenizer_Truncates(t *testing.T) {
	tok, err := newTokenizer(writeVocab(t, "a"))
	require.NoError(t, err)

	ids, _, _ := tok.encode(strings.Repeat("a ", 2*maxSeqLen))
	assert.Len(t, ids, maxSeqLen)
	assert.Equal(t, int64(3), ids[maxSeqLen-1])
}

func TestLoadVocab_MissingSpecial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("[PAD]\n[UNK]\n"), 0o600))
	_, err := loadVocab(path)
	assert.ErrorContains(t, err, "[CLS]")
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 1, argmax([]float32{-0.2, 1.3}))
	assert.Equal(t, 0, argmax([]float32{0.5, 0.5}))
	assert.Equal(t, 0, argmax([]float32{2, -1}))
}

func TestOpenAI_Classify(t *testing.T) {
	reply := "1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Backend = BackendOpenAI
	cfg.APIKey = "test"
	cfg.BaseURL = srv.URL + "/v1"
	c := NewOpenAI(cfg, zap.NewNop())

	got, err := c.Classify(context.Background(), "Database connection failed")
	require.NoError(t, err)
	assert.Equal(t, Anomalous, got)

	reply = " `0` "
	got, err = c.Classify(context.Background(), "User login successful")
	require.NoError(t, err)
	assert.Equal(t, Normal, got)

	reply = "maybe"
	_, err = c.Classify(context.Background(), "???")
	assert.Error(t, err)
}
