// Package client implements the command-line access to a vault server. It
// talks only to the HTTP API and keeps its login state in a small JSON file,
// so it works against any reachable server without sharing code with it.
package client

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const sessionCookie = "sessionid"

// State is what survives between invocations: the server address and the
// session cookie from the last login.
type State struct {
	BaseURL   string `json:"base_url"`
	SessionID string `json:"sessionid"`
}

// StatePath returns the location of the state file, honoring VAULT_STATE.
func StatePath() string {
	if p := os.Getenv("VAULT_STATE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".vault_session")
	}
	return filepath.Join(home, ".vault_session")
}

// LoadState reads the saved state; a missing file yields a zero state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", path, err)
	}
	return &st, nil
}

// Save writes the state file with owner-only permissions.
func (st *State) Save(path string) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Client is a vault API client bound to one server and one session.
type Client struct {
	base  string
	state *State
	path  string
	hc    *http.Client
}

// New creates a client from saved state. baseURL overrides the saved server
// when non-empty.
func New(baseURL string) (*Client, error) {
	path := StatePath()
	st, err := LoadState(path)
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		st.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if st.BaseURL == "" {
		st.BaseURL = "http://127.0.0.1:8080"
	}
	return &Client{
		base:  st.BaseURL,
		state: st,
		path:  path,
		hc:    &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.state.SessionID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.state.SessionID})
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			c.state.SessionID = ck.Value
			c.state.Save(c.path)
		}
	}
	return resp, nil
}

// postForm sends an urlencoded POST and decodes the JSON reply into out.
func (c *Client) postForm(endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequest(http.MethodPost, c.base+endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
		return fmt.Errorf("server: %s", body.Error)
	}
	return fmt.Errorf("request failed (code %d)", resp.StatusCode)
}

// Login authenticates and persists the session cookie.
func (c *Client) Login(username, password string) (bool, error) {
	form := url.Values{"username": {username}, "password": {password}}
	var res struct {
		Status bool `json:"status"`
	}
	if err := c.postForm("/api/login", form, &res); err != nil {
		return false, err
	}
	if res.Status {
		if err := c.state.Save(c.path); err != nil {
			return false, err
		}
	}
	return res.Status, nil
}

// Logout ends the server session and clears the local state.
func (c *Client) Logout() error {
	req, err := http.NewRequest(http.MethodGet, c.base+"/api/logout", nil)
	if err != nil {
		return err
	}
	if resp, err := c.do(req); err == nil {
		resp.Body.Close()
	}
	c.state.SessionID = ""
	return c.state.Save(c.path)
}

// NodeInfo mirrors the server's listing entry.
type NodeInfo struct {
	ID      int64     `json:"id"`
	Regular bool      `json:"regular"`
	Owner   string    `json:"owner"`
	Size    int64     `json:"size"`
	Time    time.Time `json:"time"`
	Name    string    `json:"name"`
}

// BatchResponse is the reply shape of the batch namespace endpoints.
type BatchResponse struct {
	Status bool     `json:"status"`
	Output []string `json:"output"`
	Errors []string `json:"errors"`
}

// ListResponse is the reply of /api/ls. Each output block maps the queried
// name to its entries; the entry encoding depends on the long flag.
type ListResponse struct {
	Status bool                         `json:"status"`
	Output []map[string]json.RawMessage `json:"output"`
	Errors []string                     `json:"errors"`
}

// Ls lists remote names. With long, Entries decodes the blocks into full
// records; otherwise Names yields the plain names.
func (c *Client) Ls(names []string, long, dirOnly bool) (*ListResponse, error) {
	form := url.Values{
		"long":      {strconv.FormatBool(long)},
		"directory": {strconv.FormatBool(dirOnly)},
	}
	for _, n := range names {
		form.Add("names", n)
	}
	var res ListResponse
	if err := c.postForm("/api/ls", form, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Entries decodes a long-format listing into records.
func (r *ListResponse) Entries() ([]NodeInfo, error) {
	var out []NodeInfo
	for _, block := range r.Output {
		for _, raw := range block {
			var items []NodeInfo
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, err
			}
			out = append(out, items...)
		}
	}
	return out, nil
}

// Names decodes a short-format listing into plain names.
func (r *ListResponse) Names() ([]string, error) {
	var out []string
	for _, block := range r.Output {
		for _, raw := range block {
			var items []string
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, err
			}
			out = append(out, items...)
		}
	}
	return out, nil
}

// Mkdir creates remote directories.
func (c *Client) Mkdir(names []string, parents bool) (*BatchResponse, error) {
	return c.batch("/api/mkdir", names, parents)
}

// Rmdir removes remote directories.
func (c *Client) Rmdir(names []string, parents bool) (*BatchResponse, error) {
	return c.batch("/api/rmdir", names, parents)
}

func (c *Client) batch(endpoint string, names []string, parents bool) (*BatchResponse, error) {
	form := url.Values{"parents": {strconv.FormatBool(parents)}}
	for _, n := range names {
		form.Add("names", n)
	}
	var res BatchResponse
	if err := c.postForm(endpoint, form, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// resumeState mirrors the server's probe reply.
type resumeState struct {
	Received int64  `json:"received"`
	Digest   string `json:"digest"`
}

// Upload sends one local file into the remote directory. With instant set
// it first offers the file's checksum so content the server already holds
// is linked without moving bytes. Interrupted transfers resume from the
// server-reported offset.
func (c *Client) Upload(localPath, remoteDir string, instant bool) (*NodeInfo, error) {
	name := filepath.Base(localPath)

	if instant {
		digest, err := FileDigest(localPath)
		if err != nil {
			return nil, err
		}
		if info, linked, err := c.instant(remoteDir, name, digest); err != nil {
			return nil, err
		} else if linked {
			return info, nil
		}
	}

	state, err := c.probe(remoteDir, name)
	if err != nil {
		return nil, err
	}
	info, err := c.send(localPath, remoteDir, name, state)
	if err == nil || state.Received == 0 {
		return info, err
	}
	// A rejected resume claim discards the partial server-side; one retry
	// from zero suffices.
	return c.send(localPath, remoteDir, name, &resumeState{})
}

func (c *Client) instant(remoteDir, name, digest string) (*NodeInfo, bool, error) {
	form := url.Values{"dir": {remoteDir}, "name": {name}, "digest": {digest}}
	var res struct {
		Linked bool     `json:"linked"`
		File   NodeInfo `json:"file"`
	}
	if err := c.postForm("/api/instant", form, &res); err != nil {
		return nil, false, err
	}
	if !res.Linked {
		return nil, false, nil
	}
	return &res.File, true, nil
}

func (c *Client) probe(remoteDir, name string) (*resumeState, error) {
	form := url.Values{"dir": {remoteDir}, "name": {name}}
	var state resumeState
	if err := c.postForm("/api/upload/probe", form, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// send streams the file from state.Received onward as a multipart upload,
// verifying first that the local prefix matches the server-held digest.
func (c *Client) send(localPath, remoteDir, name string, state *resumeState) (*NodeInfo, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if state.Received > 0 {
		prefix, err := prefixDigest(f, state.Received)
		if err != nil || prefix != state.Digest {
			// Local file diverged from the partial; start over.
			state = &resumeState{}
		}
		if _, err := f.Seek(state.Received, io.SeekStart); err != nil {
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	u := c.base + "/api/upload?" + url.Values{
		"dir":      {remoteDir},
		"name":     {name},
		"received": {strconv.FormatInt(state.Received, 10)},
		"digest":   {state.Digest},
	}.Encode()
	req, err := http.NewRequest(http.MethodPost, u, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}

	var res struct {
		File NodeInfo `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res.File, nil
}

// Download fetches the file behind a download URL or node id into dest,
// or under prefix with the remote name when dest is empty. An existing
// partial at dest continues with a Range request. code unlocks a
// code-gated share.
func (c *Client) Download(rawURL, dest, prefix, code string) error {
	u, id, err := downloadTarget(rawURL, c.base)
	if err != nil {
		return err
	}

	if dest == "" {
		info, err := c.Info(id, code)
		if err != nil {
			return err
		}
		dest = filepath.Join(prefix, info.Name)
	}

	var offset int64
	if fi, err := os.Stat(dest); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if code != "" {
		q := req.URL.Query()
		q.Set("code", code)
		req.URL.RawQuery = q.Encode()
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0 // server ignored the range; restart
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return nil // already complete
	default:
		return apiError(resp)
	}

	flags := os.O_CREATE | os.O_WRONLY
	out, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if offset == 0 {
		if err := out.Truncate(0); err != nil {
			return err
		}
	}

	_, err = io.Copy(out, resp.Body)
	return err
}

// Info fetches the gated metadata of one node.
func (c *Client) Info(id int64, code string) (*NodeInfo, error) {
	u := fmt.Sprintf("%s/api/info/%d", c.base, id)
	if code != "" {
		u += "?code=" + url.QueryEscape(code)
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}
	var info NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// downloadTarget normalizes a fetch argument: either a full download URL,
// possibly carrying a code in the userinfo part, or a bare node id against
// the configured server.
func downloadTarget(raw, base string) (string, int64, error) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return fmt.Sprintf("%s/d/%d", base, id), id, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("invalid download url %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "d" {
		return "", 0, fmt.Errorf("invalid download url %q: expected /d/<id>", raw)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid download url %q: %w", raw, err)
	}
	u.User = nil
	return u.String(), id, nil
}

// CodeFromURL extracts an extraction code written in the userinfo part of a
// download URL, as in http://abc123@host/d/13.
func CodeFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}

// FileDigest computes the hex SHA-1 of a file's content.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func prefixDigest(r io.ReadSeeker, n int64) (string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha1.New()
	if _, err := io.CopyN(h, r, n); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
