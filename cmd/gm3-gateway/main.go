package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/librescoot/gm3-gateway/pkg/config"
	"github.com/librescoot/gm3-gateway/pkg/gateway"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting GM3 gateway")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Serial device: %s at %d baud", cfg.SerialPort, cfg.SerialBaud)
	log.Printf("Destination address: %d, token required: %v", cfg.DestinationAddress, cfg.TokenRequired)
	log.Printf("State directory: %s", cfg.StateDir)

	ctrl, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("Failed to construct gateway: %v", err)
	}

	log.Printf("Running discovery...")
	if err := ctrl.Run(); err != nil {
		log.Fatalf("Discovery failed: %v", err)
	}
	log.Printf("Discovery complete, polling every %s", cfg.PollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
	if err := ctrl.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
