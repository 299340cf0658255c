package models

import "testing"

func TestQuotaAllows(t *testing.T) {
	unlimited := Quota{}
	if !unlimited.Allows(1 << 40) {
		t.Fatal("nil limit should allow any size")
	}

	limit := int64(100)
	bounded := Quota{LimitBytes: &limit, UsedBytes: 90}
	if !bounded.Allows(10) {
		t.Fatal("exactly at limit should be allowed")
	}
	if bounded.Allows(11) {
		t.Fatal("over limit should be rejected")
	}
}

func TestLFSPolicyShouldUseLFS(t *testing.T) {
	p := LFSPolicy{ThresholdBytes: 10 * 1024 * 1024, SuffixRules: []string{".bin", ".safetensors"}}

	if !p.ShouldUseLFS("model.safetensors", 100) {
		t.Fatal("suffix match should route to LFS regardless of size")
	}
	if !p.ShouldUseLFS("huge.txt", 20*1024*1024) {
		t.Fatal("size over threshold should route to LFS regardless of suffix")
	}
	if p.ShouldUseLFS("readme.md", 100) {
		t.Fatal("small non-matching file should not route to LFS")
	}
}

func TestRepositoryIdentifiers(t *testing.T) {
	r := Repository{Type: RepoTypeDataset, Namespace: "acme", Name: "widgets"}
	if got, want := r.FullID(), "acme/widgets"; got != want {
		t.Fatalf("FullID() = %q, want %q", got, want)
	}
	if got, want := r.StoreRepoName(), "hf-dataset-acme-widgets"; got != want {
		t.Fatalf("StoreRepoName() = %q, want %q", got, want)
	}
}
