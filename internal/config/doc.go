// Package config loads remoteui configuration.
//
// Settings are layered: built-in defaults, then an optional YAML file,
// then REMOTEUI_* environment variables. Command-line flags are applied
// by the commands themselves.
//
// # Configuration File Structure
//
//	host:
//	  addr: ":7420"
//	  compressThreshold: 1024
//	  shutdownTimeout: 5s
//	  tags:
//	    Button: button
//	    Stack: div
//	worker:
//	  url: ws://localhost:7420/ws
//	  ui: ui.yaml
//	  watch: true
//	rpc:
//	  callRate: 100
//	  callBurst: 20
//	  releaseDelay: 10ms
//	log:
//	  level: info
//	  format: text
//
// Each key has an environment variable named after its path, for example
// REMOTEUI_HOST_ADDR, REMOTEUI_WORKER_URL or REMOTEUI_RPC_CALL_RATE.
//
// # Usage
//
//	cfg, err := config.Load("remoteui.yaml")
//	if err != nil {
//	    errors.Print(os.Stderr, err)
//	    os.Exit(1)
//	}
//	logger := cfg.Log.Logger(os.Stderr)
package config
