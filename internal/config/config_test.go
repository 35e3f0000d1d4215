package config

import (
	"testing"
	"time"
)

func setCreds(t *testing.T) {
	t.Helper()
	t.Setenv("LAKEFORGE_S3_BUCKET", "lake")
	t.Setenv("LAKEFORGE_S3_ACCESS_KEY_ID", "key")
	t.Setenv("LAKEFORGE_S3_SECRET_ACCESS_KEY", "secret")
}

func TestLoadRunnerDefaults(t *testing.T) {
	setCreds(t)
	cfg, err := LoadRunnerFromEnv(DefaultRunnerConfig())
	if err != nil {
		t.Fatalf("LoadRunnerFromEnv: %v", err)
	}
	if cfg.GRPCAddr != ":7070" {
		t.Errorf("default grpc addr: %q", cfg.GRPCAddr)
	}
	if cfg.Admission.MaxConcurrentRuns != 8 {
		t.Errorf("default cap: %d", cfg.Admission.MaxConcurrentRuns)
	}
	if cfg.Admission.RunTTL != time.Hour {
		t.Errorf("default run TTL should be 1h, got %v", cfg.Admission.RunTTL)
	}
	if cfg.Catalog.Timeout != 10*time.Second {
		t.Errorf("default catalog timeout: %v", cfg.Catalog.Timeout)
	}
}

func TestLoadRunnerFailsFastWithoutCredentials(t *testing.T) {
	t.Setenv("LAKEFORGE_S3_BUCKET", "lake")
	if _, err := LoadRunnerFromEnv(DefaultRunnerConfig()); err == nil {
		t.Fatal("missing credentials must fail fast")
	}
}

func TestLoadRunnerFailsFastWithoutBucket(t *testing.T) {
	t.Setenv("LAKEFORGE_S3_ACCESS_KEY_ID", "key")
	t.Setenv("LAKEFORGE_S3_SECRET_ACCESS_KEY", "secret")
	if _, err := LoadRunnerFromEnv(DefaultRunnerConfig()); err == nil {
		t.Fatal("missing bucket must fail fast")
	}
}

func TestLoadRunnerEnvOverrides(t *testing.T) {
	setCreds(t)
	t.Setenv("LAKEFORGE_MAX_CONCURRENT_RUNS", "3")
	t.Setenv("LAKEFORGE_RUN_TTL_SECONDS", "120")
	t.Setenv("LAKEFORGE_ENGINE_MEMORY_MB", "512")
	t.Setenv("LAKEFORGE_CATALOG_URL", "http://nessie:19120/api/v2")

	cfg, err := LoadRunnerFromEnv(DefaultRunnerConfig())
	if err != nil {
		t.Fatalf("LoadRunnerFromEnv: %v", err)
	}
	if cfg.Admission.MaxConcurrentRuns != 3 {
		t.Errorf("cap override lost: %d", cfg.Admission.MaxConcurrentRuns)
	}
	if cfg.Admission.RunTTL != 2*time.Minute {
		t.Errorf("TTL override lost: %v", cfg.Admission.RunTTL)
	}
	if cfg.Engine.MemoryLimitMB != 512 {
		t.Errorf("memory override lost: %d", cfg.Engine.MemoryLimitMB)
	}
	if cfg.Catalog.APIV2URL != "http://nessie:19120/api/v2" {
		t.Errorf("catalog URL override lost: %q", cfg.Catalog.APIV2URL)
	}
}

func TestLoadRunnerBadIntRejected(t *testing.T) {
	setCreds(t)
	t.Setenv("LAKEFORGE_MAX_CONCURRENT_RUNS", "many")
	if _, err := LoadRunnerFromEnv(DefaultRunnerConfig()); err == nil {
		t.Fatal("non-numeric cap must be rejected")
	}
}

func TestTLSPairValidation(t *testing.T) {
	setCreds(t)
	t.Setenv("LAKEFORGE_TLS_CERT_FILE", "/etc/lakeforge/tls.crt")
	if _, err := LoadRunnerFromEnv(DefaultRunnerConfig()); err == nil {
		t.Fatal("cert without key must be rejected")
	}

	t.Setenv("LAKEFORGE_TLS_KEY_FILE", "/etc/lakeforge/tls.key")
	cfg, err := LoadRunnerFromEnv(DefaultRunnerConfig())
	if err != nil {
		t.Fatalf("full pair should load: %v", err)
	}
	if !cfg.TLS.Enabled() {
		t.Fatal("TLS should report enabled with both files set")
	}
}

func TestWithOverridesDoesNotMutateBase(t *testing.T) {
	base := S3Config{Bucket: "lake", AccessKeyID: "base"}
	out := base.WithOverrides(map[string]string{
		"S3_ACCESS_KEY_ID":     "override",
		"S3_SESSION_TOKEN":     "sts-token",
		"IGNORED_KEY":          "x",
	})
	if out.AccessKeyID != "override" || out.SessionToken != "sts-token" {
		t.Fatalf("overrides not applied: %+v", out)
	}
	if base.AccessKeyID != "base" || base.SessionToken != "" {
		t.Fatalf("base config mutated: %+v", base)
	}
}

func TestCredentialKeyDistinguishesSets(t *testing.T) {
	a := S3Config{Bucket: "lake", AccessKeyID: "k1", SecretAccessKey: "s"}
	b := a
	b.AccessKeyID = "k2"
	if a.CredentialKey() == b.CredentialKey() {
		t.Fatal("different credentials must have different cache keys")
	}
	if a.CredentialKey() != a.CredentialKey() {
		t.Fatal("key must be stable")
	}
}

func TestLoadQueryServiceNamespaces(t *testing.T) {
	t.Setenv("LAKEFORGE_S3_BUCKET", "lake")
	t.Setenv("LAKEFORGE_QUERY_NAMESPACES", "default, analytics ,")
	cfg, err := LoadQueryServiceFromEnv(DefaultQueryServiceConfig())
	if err != nil {
		t.Fatalf("LoadQueryServiceFromEnv: %v", err)
	}
	if len(cfg.Namespaces) != 2 || cfg.Namespaces[0] != "default" || cfg.Namespaces[1] != "analytics" {
		t.Fatalf("namespace list parse failed: %v", cfg.Namespaces)
	}
}
