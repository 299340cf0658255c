package gitbridge

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"

	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
)

const (
	agentCap    = "agent=kohakuhub/1.0"
	uploadCaps  = "multi_ack multi_ack_detailed side-band-64k thin-pack ofs-delta " + agentCap
	receiveCaps = "report-status side-band-64k delete-refs ofs-delta " + agentCap

	// maxSidebandPkt keeps every side-band-64k pkt-line under the 65520
	// byte ceiling the protocol allows once the 4-byte pkt-line header
	// and 1-byte band prefix are accounted for.
	maxSidebandPkt = 65500
)

func repoParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "namespace"), chi.URLParam(r, "name")
}

// resolveForRead looks up the repository and enforces read access for
// the Basic-auth principal on the request.
func (s *Service) resolveForRead(r *http.Request) (*models.Repository, *models.Principal, error) {
	namespace, name := repoParams(r)
	repo, err := s.resolveRepo(r.Context(), namespace, name)
	if err != nil {
		return nil, nil, err
	}
	principal, err := s.auth.ResolveGitBasicAuth(r)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ServerError, err, "auth resolution failed")
	}
	if err := s.auth.CheckRead(r.Context(), repo, principal); err != nil {
		return nil, nil, err
	}
	return repo, principal, nil
}

// InfoRefs serves `GET .../info/refs?service=git-{upload,receive}-pack`,
// the ref advertisement every clone/fetch/push begins with.
func (s *Service) InfoRefs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service != "git-upload-pack" && service != "git-receive-pack" {
		errs.WriteHTTP(w, errs.New(errs.BadRequest, "unsupported or missing service parameter"))
		return
	}

	repo, _, err := s.resolveForRead(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	tip, err := s.buildTip(r.Context(), repo)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.WriteHeader(http.StatusOK)

	caps := uploadCaps
	if service == "git-receive-pack" {
		caps = receiveCaps
	}

	enc := pktline.NewEncoder(w)
	_ = enc.Encode([]byte(fmt.Sprintf("# service=%s\n", service)))
	_ = enc.Flush()
	_ = enc.Encode([]byte(fmt.Sprintf("%s HEAD\x00%s\n", tip.commitHash.String(), caps)))
	_ = enc.Encode([]byte(fmt.Sprintf("%s refs/heads/%s\n", tip.commitHash.String(), defaultBranch)))
	_ = enc.Flush()
}

// UploadPack serves `POST .../git-upload-pack`: the client's wants and
// haves are read and discarded (the bridge always serves the full
// current tree rather than negotiating a minimal delta), and the
// synthesized pack follows a bare NAK over side-band 1.
func (s *Service) UploadPack(w http.ResponseWriter, r *http.Request) {
	repo, _, err := s.resolveForRead(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	if err := drainUploadPackRequest(r.Body); err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.BadRequest, err, "malformed upload-pack request"))
		return
	}

	tip, err := s.buildTip(r.Context(), repo)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	hashes, err := AllHashes(tip.store)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "object enumeration failed"))
		return
	}
	pack, err := EncodePack(tip.store, hashes)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "pack encoding failed"))
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.WriteHeader(http.StatusOK)

	enc := pktline.NewEncoder(w)
	_ = enc.Encode([]byte("NAK\n"))
	writeSideband(enc, 1, pack)
	_ = enc.Flush()
}

func drainUploadPackRequest(body io.Reader) error {
	scanner := pktline.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue // flush-pkt
		}
		text := strings.TrimSpace(string(line))
		if text == "done" {
			break
		}
		if !strings.HasPrefix(text, "want ") && !strings.HasPrefix(text, "have ") {
			return fmt.Errorf("unexpected pkt-line %q", text)
		}
	}
	return scanner.Err()
}

func writeSideband(enc *pktline.Encoder, band byte, payload []byte) {
	for len(payload) > 0 {
		n := maxSidebandPkt
		if n > len(payload) {
			n = len(payload)
		}
		chunk := append([]byte{band}, payload[:n]...)
		_ = enc.Encode(chunk)
		payload = payload[n:]
	}
}

// ReceivePack serves `POST .../git-receive-pack`. Materializing a push
// into the versioned store would mean reconciling an arbitrary git
// history against a commit model that only tracks current-branch-tip
// file state — the bridge resolves spec.md §9's push open question by
// rejecting every ref update with `ng`, never touching the store. The
// uploaded pack itself is not even parsed.
func (s *Service) ReceivePack(w http.ResponseWriter, r *http.Request) {
	repo, principal, err := s.resolveForRead(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	if err := s.auth.CheckWrite(r.Context(), repo, principal); err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	refs, err := parseReceivePackCommands(r.Body)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.BadRequest, err, "malformed receive-pack request"))
		return
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.WriteHeader(http.StatusOK)

	var report bytes.Buffer
	fmt.Fprintf(&report, "unpack ok\n")
	for _, ref := range refs {
		fmt.Fprintf(&report, "ng %s push is not supported, write through the HTTP upload API instead\n", ref)
	}

	enc := pktline.NewEncoder(w)
	writeSideband(enc, 1, report.Bytes())
	_ = enc.Flush()
}

// parseReceivePackCommands reads the ref-update command list that
// precedes the pack data, stopping at the flush-pkt; the pack body that
// follows is never read since every ref is rejected regardless of its
// contents.
func parseReceivePackCommands(body io.Reader) ([]string, error) {
	scanner := pktline.NewScanner(body)
	var refs []string
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			break
		}
		text := string(line)
		if i := strings.IndexByte(text, 0); i >= 0 {
			text = text[:i]
		}
		parts := strings.Fields(text)
		if len(parts) < 3 {
			continue
		}
		refs = append(refs, parts[2])
	}
	return refs, scanner.Err()
}

// HEAD serves `GET .../HEAD`, the symref git's dumb-transport fallback
// probes for before falling back to Smart HTTP discovery.
func (s *Service) HEAD(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.resolveForRead(r); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ref: refs/heads/" + defaultBranch + "\n"))
}
