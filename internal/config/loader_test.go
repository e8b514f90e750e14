package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
asterisk:
  url: http://127.0.0.1:8088/ari
  username: agent
  password: secret
providers:
  deepgram:
    api_key: dg-key
default_provider: deepgram
`

func TestLoadFromReaderMinimal(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("default log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Streaming.ChunkSizeMs != 20 {
		t.Errorf("default chunk_size_ms = %d, want 20", cfg.Streaming.ChunkSizeMs)
	}
	if cfg.Streaming.GreetingMinStartMs != cfg.Streaming.MinStartMs {
		t.Errorf("greeting_min_start_ms = %d, want min_start_ms %d",
			cfg.Streaming.GreetingMinStartMs, cfg.Streaming.MinStartMs)
	}
	if cfg.Streaming.EgressSwapMode != SwapAuto {
		t.Errorf("default egress_swap_mode = %q, want auto", cfg.Streaming.EgressSwapMode)
	}
	if cfg.RTP.PortMin != 18000 || cfg.RTP.PortMax != 18100 {
		t.Errorf("default rtp port range = [%d, %d]", cfg.RTP.PortMin, cfg.RTP.PortMax)
	}
	if cfg.Tools.Transfer.Technology != "PJSIP" {
		t.Errorf("default transfer technology = %q", cfg.Tools.Transfer.Technology)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
asterisk:
  uri: http://127.0.0.1:8088/ari
default_provider: deepgram
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\ndefault_provider: deepgram\n",
			want: "server.log_level",
		},
		{
			name: "no pipeline or provider",
			yaml: "server:\n  log_level: info\n",
			want: "active_pipeline or default_provider",
		},
		{
			name: "active pipeline undefined",
			yaml: "active_pipeline: main\n",
			want: `active_pipeline "main"`,
		},
		{
			name: "component role suffix",
			yaml: `
active_pipeline: main
pipelines:
  main:
    stt: deepgram_stt
    llm: openai_tts
    tts: deepgram_tts
`,
			want: "pipelines.main.llm",
		},
		{
			name: "bad swap mode",
			yaml: "default_provider: deepgram\nstreaming:\n  egress_swap_mode: maybe\n",
			want: "egress_swap_mode",
		},
		{
			name: "inverted rtp range",
			yaml: "default_provider: deepgram\nrtp:\n  port_min: 19000\n  port_max: 18000\n",
			want: "rtp port range",
		},
		{
			name: "destination missing target",
			yaml: `
default_provider: deepgram
tools:
  transfer:
    destinations:
      sales:
        description: Sales team
`,
			want: "tools.transfer.destinations.sales",
		},
		{
			name: "voicemail without extension",
			yaml: "default_provider: deepgram\ntools:\n  leave_voicemail:\n    enabled: true\n",
			want: "leave_voicemail.extension",
		},
		{
			name: "mcp stdio without command",
			yaml: `
default_provider: deepgram
tools:
  mcp_servers:
    - name: crm
      transport: stdio
`,
			want: "command is required",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(c.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestValidateAcceptsWildcardComponents(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
active_pipeline: main
pipelines:
  main:
    stt: deepgram_stt
    llm: openai_llm
    tts: "*_tts"
`))
	if err != nil {
		t.Fatalf("wildcard component rejected: %v", err)
	}
}

func TestProviderEnabledDefaultsTrue(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
default_provider: deepgram
providers:
  deepgram:
    api_key: dg-key
  local:
    enabled: false
    base_url: ws://127.0.0.1:8765
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if !cfg.Providers["deepgram"].IsEnabled() {
		t.Error("deepgram should default to enabled")
	}
	if cfg.Providers["local"].IsEnabled() {
		t.Error("local was explicitly disabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers["deepgram"].APIKey != "dg-key" {
		t.Errorf("api key = %q", cfg.Providers["deepgram"].APIKey)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Load of a missing file should fail")
	}
}
