package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-integrity/internal/auth"
	"github.com/ukydev/fleet-integrity/internal/config"
	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/engine"
	"github.com/ukydev/fleet-integrity/internal/models"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func memoryConfig() *config.Config {
	return &config.Config{
		Port:        8080,
		StoreDriver: config.DriverMemory,
		RateLimit:   10,
		RateWindow:  time.Minute,
		Engine:      engine.DefaultConfig(),
	}
}

func TestOpenStore_Memory(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), memoryConfig(), quietLogger())
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &db.MemoryStore{}, store)
}

func TestOpenStore_MongoUnreachable(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = config.DriverMongo
	cfg.MongoURI = "mongodb://bad:uri"
	cfg.MongoTimeout = time.Second
	_, _, err := openStore(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestOpenRawArchive(t *testing.T) {
	raw, closeRaw, err := openRawArchive("", quietLogger())
	require.NoError(t, err)
	assert.Nil(t, raw)
	closeRaw()

	raw, closeRaw, err = openRawArchive(filepath.Join(t.TempDir(), "raw"), quietLogger())
	require.NoError(t, err)
	require.NotNil(t, raw)
	closeRaw()
}

func TestNewRouter_ServesAPI(t *testing.T) {
	cfg := memoryConfig()
	authService, err := auth.NewService("test-secret", time.Hour)
	require.NoError(t, err)
	eng := engine.New(db.NewMemoryStore(), nil, nil, cfg.Engine, quietLogger())
	router := newRouter(eng, authService, cfg, quietLogger())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	token, err := authService.GenerateToken("dev-1", models.RoleDevice)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/vehicles/veh-1/readings", bytes.NewBufferString(`{"mileage": 10}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/vehicles/veh-1/mileage", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
