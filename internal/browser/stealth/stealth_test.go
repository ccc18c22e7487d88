package stealth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/shopcheck/internal/config"
)

func TestAcceptLanguage(t *testing.T) {
	tests := []struct {
		name  string
		langs []string
		want  string
	}{
		{"Empty", nil, ""},
		{"Single", []string{"pt-BR"}, "pt-BR"},
		{"Weighted", []string{"pt-BR", "pt", "en"}, "pt-BR,pt;q=0.9,en;q=0.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Persona{Languages: tt.langs}.AcceptLanguage())
		})
	}
}

func TestApply(t *testing.T) {
	t.Run("FullPersona", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		tasks := Apply(Persona{UserAgent: "shopcheck-ua", Languages: []string{"pt-BR", "pt"}, Timezone: "America/Sao_Paulo"}, zap.New(core))
		// evasions, user agent, timezone, locale, headers
		assert.Len(t, tasks, 5)
		assert.Equal(t, 1, logs.FilterMessage("Applying browser stealth persona").Len())
	})

	t.Run("EmptyPersonaOnlyInjectsEvasions", func(t *testing.T) {
		assert.Len(t, Apply(Persona{}, nil), 1)
	})
}

func TestPersonaFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Interception.UserAgent = "custom-agent"

	p := PersonaFromConfig(cfg)
	assert.Equal(t, "custom-agent", p.UserAgent)
	assert.Equal(t, cfg.Browser.Languages, p.Languages)
	assert.Equal(t, "America/Sao_Paulo", p.Timezone)
	assert.NotEmpty(t, evasionsScript)
}
