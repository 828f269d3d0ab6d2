package lockbook

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/config"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/localdb"
	"github.com/lockbook/lockbook/internal/serverclient"
	"github.com/stretchr/testify/require"
)

func openTestLb(t *testing.T) *Lb {
	t.Helper()
	cfg := config.C{DataDir: t.TempDir(), LogLevel: "error"}
	lb, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { lb.Close() })
	return lb
}

func TestOpenWithNoAccountLeavesServicesNil(t *testing.T) {
	lb := openTestLb(t)
	require.Nil(t, lb.files)
	require.Nil(t, lb.sync)

	_, err := lb.Root()
	require.True(t, errkind.Is(err, errkind.AccountNonexistent))
}

func TestCreateAccountRejectsInvalidUsername(t *testing.T) {
	lb := openTestLb(t)
	err := lb.CreateAccount(context.Background(), "not a valid name!", "")
	require.True(t, errkind.Is(err, errkind.UsernameInvalid))
}

func newAccountStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Kind serverclient.Kind `json:"kind"`
		}
		body, _ := jsonBody(r)
		json.Unmarshal(body, &env)
		switch env.Kind {
		case serverclient.NewAccount:
			json.NewEncoder(w).Encode(serverclient.NewAccountResponse{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func jsonBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func TestCreateAccountWiresServicesAndPersistsRoot(t *testing.T) {
	lb := openTestLb(t)
	srv := newAccountStubServer(t)
	defer srv.Close()

	err := lb.CreateAccount(context.Background(), "alice", srv.URL)
	require.NoError(t, err)
	require.NotNil(t, lb.files)
	require.NotNil(t, lb.sync)

	root, err := lb.Root()
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, root)

	err = lb.CreateAccount(context.Background(), "bob", srv.URL)
	require.True(t, errkind.Is(err, errkind.AccountExists))
}

func TestCreateAccountClassifiesUsernameTaken(t *testing.T) {
	lb := openTestLb(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error_code": "username_taken", "message": "taken"})
	}))
	defer srv.Close()

	err := lb.CreateAccount(context.Background(), "alice", srv.URL)
	require.True(t, errkind.Is(err, errkind.UsernameTaken))
}

func TestExportAccountPrivateKeyRoundTripsThroughImportAccount(t *testing.T) {
	lb := openTestLb(t)
	srv := newAccountStubServer(t)
	defer srv.Close()
	require.NoError(t, lb.CreateAccount(context.Background(), "alice", srv.URL))

	exported, err := lb.ExportAccountPrivateKey()
	require.NoError(t, err)
	require.NotEmpty(t, exported)

	phrase, err := lb.ExportAccountPhrase()
	require.NoError(t, err)
	require.NotEmpty(t, phrase)

	root1, err := lb.Root()
	require.NoError(t, err)
	baseFiles, err := lb.db.LoadAll(localdb.Base)
	require.NoError(t, err)
	require.Len(t, baseFiles, 1)
	var rootBytes bytes.Buffer
	require.NoError(t, gob.NewEncoder(&rootBytes).Encode(baseFiles[0]))

	importSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Kind    serverclient.Kind `json:"kind"`
			Request json.RawMessage   `json:"request"`
		}
		body, _ := jsonBody(r)
		json.Unmarshal(body, &env)
		switch env.Kind {
		case serverclient.GetPublicKey:
			json.NewEncoder(w).Encode(serverclient.GetPublicKeyResponse{PublicKey: []byte(lb.identity.Signing.Public)})
		case serverclient.GetUpdates:
			json.NewEncoder(w).Encode(serverclient.GetUpdatesResponse{
				CurrentVersion: 1,
				Files:          []serverclient.FileMetadata{{Encoded: rootBytes.Bytes(), Version: 1}},
			})
		case serverclient.UpsertFiles:
			json.NewEncoder(w).Encode(serverclient.UpsertFilesResponse{NewVersion: 1})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer importSrv.Close()

	cfg2 := config.C{DataDir: filepath.Join(t.TempDir()), LogLevel: "error"}
	lb2, err := Open(cfg2)
	require.NoError(t, err)
	defer lb2.Close()

	err = lb2.ImportAccount(context.Background(), exported, importSrv.URL)
	require.NoError(t, err)
	require.NotNil(t, lb2.files)

	base2, err := lb2.db.LoadAll(localdb.Base)
	require.NoError(t, err)
	require.Len(t, base2, 1)
	require.Equal(t, root1, base2[0].ID)
}

func TestValidateOnFreshAccountHasNoWarnings(t *testing.T) {
	lb := openTestLb(t)
	srv := newAccountStubServer(t)
	defer srv.Close()
	require.NoError(t, lb.CreateAccount(context.Background(), "alice", srv.URL))

	warnings, err := lb.Validate()
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestFilesReturnsNilBeforeAccountExists(t *testing.T) {
	lb := openTestLb(t)
	require.Nil(t, lb.Files())
}
