// Command devserver runs the in-memory messaging server on its own, so
// clients in separate processes can exercise the HTTP transport.
package main

import (
	"net/http"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/config"
	"github.com/opd-ai/groupsync/transport/devserver"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}
	cfg := config.Load()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	server := devserver.New()
	handler := http.MaxBytesHandler(server.Router(), cfg.MaxBodyBytes)

	logrus.WithFields(logrus.Fields{
		"function": "main",
		"port":     cfg.Port,
	}).Info("Dev server listening")
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Server stopped")
	}
}
