package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestViperConfigGetString(t *testing.T) {
	v := viper.New()
	v.Set("name", "test")
	cfg := New(v)

	if got := cfg.GetString("name"); got != "test" {
		t.Errorf("GetString('name') = %q, want %q", got, "test")
	}
}

func TestViperConfigGetInt(t *testing.T) {
	v := viper.New()
	v.Set("port", 8090)
	cfg := New(v)

	if got := cfg.GetInt("port"); got != 8090 {
		t.Errorf("GetInt('port') = %d, want %d", got, 8090)
	}
}

func TestViperConfigGetBool(t *testing.T) {
	v := viper.New()
	v.Set("enabled", true)
	cfg := New(v)

	if got := cfg.GetBool("enabled"); !got {
		t.Error("GetBool('enabled') = false, want true")
	}
}

func TestViperConfigGetDuration(t *testing.T) {
	v := viper.New()
	v.Set("timeout", "5s")
	cfg := New(v)

	want := 5 * time.Second
	if got := cfg.GetDuration("timeout"); got != want {
		t.Errorf("GetDuration('timeout') = %v, want %v", got, want)
	}
}

func TestViperConfigIsSet(t *testing.T) {
	v := viper.New()
	v.Set("exists", true)
	cfg := New(v)

	if !cfg.IsSet("exists") {
		t.Error("IsSet('exists') = false, want true")
	}
	if cfg.IsSet("missing") {
		t.Error("IsSet('missing') = true, want false")
	}
}

func TestViperConfigSub(t *testing.T) {
	v := viper.New()
	v.Set("modules.pairing.credential_attempts", 6)
	v.Set("modules.pairing.credential_interval", "5s")
	cfg := New(v)

	sub := cfg.Sub("modules.pairing")
	if sub == nil {
		t.Fatal("Sub('modules.pairing') = nil")
	}
	if got := sub.GetInt("credential_attempts"); got != 6 {
		t.Errorf("sub.GetInt('credential_attempts') = %d, want %d", got, 6)
	}
	if got := sub.GetDuration("credential_interval"); got != 5*time.Second {
		t.Errorf("sub.GetDuration('credential_interval') = %v, want %v", got, 5*time.Second)
	}
}

func TestViperConfigSubMissing(t *testing.T) {
	cfg := New(viper.New())
	if sub := cfg.Sub("absent"); sub != nil {
		t.Errorf("Sub('absent') = %v, want nil", sub)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.GetDuration("reconcile.grace_window"); got != 20*time.Second {
		t.Errorf("default reconcile.grace_window = %v, want 20s", got)
	}
	if got := cfg.GetInt("pairing.credential_attempts"); got != 6 {
		t.Errorf("default pairing.credential_attempts = %d, want 6", got)
	}
}
