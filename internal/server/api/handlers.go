package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"vault/internal/server/database"
	"vault/internal/server/service"
	"vault/internal/server/session"
)

// Handler contains the HTTP handlers for the vault API.
type Handler struct {
	accounts *service.AccountService
	tree     *service.TreeService
	files    *service.FileService
	uploads  *service.UploadService
	shares   *service.ShareService
	sessions *session.Store
	users    *database.UserRepository
	db       *database.DB
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(
	accounts *service.AccountService,
	tree *service.TreeService,
	files *service.FileService,
	uploads *service.UploadService,
	shares *service.ShareService,
	sessions *session.Store,
	users *database.UserRepository,
	db *database.DB,
) *Handler {
	return &Handler{
		accounts: accounts,
		tree:     tree,
		files:    files,
		uploads:  uploads,
		shares:   shares,
		sessions: sessions,
		users:    users,
		db:       db,
	}
}

// home resolves the logged-in user's home root.
func (h *Handler) home(c echo.Context) (*database.User, *database.Node, error) {
	user := currentUser(c)
	home, err := h.accounts.Home(c.Request().Context(), user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, home, nil
}

// HandleLogin handles POST /api/login.
func (h *Handler) HandleLogin(c echo.Context) error {
	user, err := h.accounts.Login(c.Request().Context(),
		c.FormValue("username"), c.FormValue("password"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidLogin) {
			return c.JSON(http.StatusOK, echo.Map{"status": false})
		}
		return mapServiceError(c, err)
	}

	h.sessions.Login(currentSession(c), user.ID)
	return c.JSON(http.StatusOK, echo.Map{"status": true})
}

// HandleLogout handles GET /api/logout.
func (h *Handler) HandleLogout(c echo.Context) error {
	sess := currentSession(c)
	h.sessions.Delete(sess.ID)
	c.SetCookie(&http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	return c.JSON(http.StatusOK, echo.Map{"status": false})
}

// HandleSignup handles POST /api/signup. A fresh account is logged in
// immediately.
func (h *Handler) HandleSignup(c echo.Context) error {
	user, err := h.accounts.Signup(c.Request().Context(),
		c.FormValue("username"), c.FormValue("password"))
	if err != nil {
		return mapServiceError(c, err)
	}

	h.sessions.Login(currentSession(c), user.ID)
	return c.JSON(http.StatusCreated, echo.Map{"status": true, "username": user.Name})
}

// HandleList handles POST /api/ls. Form fields mirror the CLI flags:
// "names" (multi, default current home), "long", "directory", plus "page"
// and "page_size" for large directories.
func (h *Handler) HandleList(c echo.Context) error {
	_, home, err := h.home(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	ctx := c.Request().Context()

	params, _ := c.FormParams()
	names := params["names"]
	if len(names) == 0 {
		names = []string{"."}
	}
	long := formBool(c, "long")
	dirOnly := formBool(c, "directory")
	page := formInt(c, "page", 1)
	pageSize := formInt(c, "page_size", 1000)

	var output []map[string]interface{}
	var errs []string

	for _, name := range names {
		node, err := h.tree.Resolve(ctx, name, home)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", name, reason(err)))
			continue
		}

		var items []service.NodeSummary
		if node.IsRegular || dirOnly {
			items = []service.NodeSummary{summary(node)}
		} else {
			listing, err := h.files.List(ctx, node, page, pageSize)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %s", name, reason(err)))
				continue
			}
			items = listing.Items
		}

		if long {
			output = append(output, map[string]interface{}{name: items})
		} else {
			plain := make([]string, 0, len(items))
			for _, it := range items {
				plain = append(plain, it.Name)
			}
			output = append(output, map[string]interface{}{name: plain})
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status": len(errs) == 0,
		"output": nonNil(output),
		"errors": nonNilStrings(errs),
	})
}

// HandleMkdir handles POST /api/mkdir with "names" (multi) and "parents".
func (h *Handler) HandleMkdir(c echo.Context) error {
	user, home, err := h.home(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	params, _ := c.FormParams()
	res := h.files.Mkdir(c.Request().Context(), user.ID, home,
		params["names"], formBool(c, "parents"))
	return c.JSON(http.StatusOK, res)
}

// HandleRmdir handles POST /api/rmdir with "names" (multi) and "parents".
func (h *Handler) HandleRmdir(c echo.Context) error {
	_, home, err := h.home(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	params, _ := c.FormParams()
	res := h.files.Rmdir(c.Request().Context(), home,
		params["names"], formBool(c, "parents"))
	return c.JSON(http.StatusOK, res)
}

// HandleRename handles POST /api/rename with "id" and "name".
func (h *Handler) HandleRename(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	id, err := strconv.ParseInt(c.FormValue("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid node id"})
	}
	node, err := h.tree.Node(ctx, id)
	if err != nil {
		return mapServiceError(c, err)
	}
	if node.OwnerID != user.ID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "permission denied"})
	}

	if err := h.tree.Rename(ctx, node, c.FormValue("name")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": true, "name": node.Name})
}

// HandleUpload handles POST /api/upload. Multipart: "file" carries the
// bytes; "dir" targets a directory path (default home); "received" and
// "digest" carry a resume claim. Non-file fields may ride the query string
// or precede the file part in the body. The body is consumed part by part
// so an interrupted connection leaves a resumable partial instead of dying
// inside a buffered form parse.
func (h *Handler) HandleUpload(c echo.Context) error {
	user, home, err := h.home(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	ctx := c.Request().Context()

	mr, err := c.Request().MultipartReader()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "multipart body required",
		})
	}

	fields := map[string]string{
		"dir":      c.QueryParam("dir"),
		"name":     c.QueryParam("name"),
		"received": c.QueryParam("received"),
		"digest":   c.QueryParam("digest"),
	}
	part, err := uploadStream(mr, fields)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}
	defer part.Close()

	dir, err := h.tree.Resolve(ctx, fields["dir"], home)
	if err != nil {
		return mapServiceError(c, err)
	}

	name := fields["name"]
	if name == "" {
		name = part.FileName()
	}
	received, _ := strconv.ParseInt(fields["received"], 10, 64)

	node, err := h.uploads.Process(ctx, service.UploadRequest{
		Owner:    user,
		Dir:      dir,
		Name:     name,
		Data:     part,
		Received: received,
		Digest:   fields["digest"],
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{"status": true, "file": summary(node)})
}

// uploadStream walks a multipart body up to the file part, recording any
// field parts seen on the way into fields. The returned part streams the
// file bytes directly off the wire.
func uploadStream(mr *multipart.Reader, fields map[string]string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err // io.EOF: body held no file part
		}
		if part.FormName() == "file" {
			return part, nil
		}
		v, err := io.ReadAll(io.LimitReader(part, 4096))
		part.Close()
		if err != nil {
			return nil, err
		}
		fields[part.FormName()] = string(v)
	}
}

// HandleProbe handles POST /api/upload/probe: reports resumable state for
// a pending transfer of "name" into "dir".
func (h *Handler) HandleProbe(c echo.Context) error {
	_, home, err := h.home(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	ctx := c.Request().Context()

	dir, err := h.tree.Resolve(ctx, c.FormValue("dir"), home)
	if err != nil {
		return mapServiceError(c, err)
	}

	state, err := h.uploads.Probe(ctx, dir, c.FormValue("name"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// HandleInstant handles POST /api/instant: link "name" in "dir" to an
// existing blob by "digest" without moving bytes.
func (h *Handler) HandleInstant(c echo.Context) error {
	user, home, err := h.home(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	ctx := c.Request().Context()

	dir, err := h.tree.Resolve(ctx, c.FormValue("dir"), home)
	if err != nil {
		return mapServiceError(c, err)
	}

	node, linked, err := h.uploads.Instant(ctx, dir, user.ID,
		c.FormValue("name"), c.FormValue("digest"))
	if err != nil {
		return mapServiceError(c, err)
	}
	if !linked {
		return c.JSON(http.StatusOK, echo.Map{"linked": false})
	}
	return c.JSON(http.StatusCreated, echo.Map{"linked": true, "file": summary(node)})
}

// gate applies the permission protocol to a node for this request: an
// optional "code" form/query value is submitted first, then the share
// resolver decides with the session's approved set.
func (h *Handler) gate(c echo.Context, node *database.Node) error {
	ctx := c.Request().Context()
	sess := currentSession(c)

	if code := c.FormValue("code"); code != "" {
		shareID, err := h.shares.SubmitCode(ctx, node, code)
		if err != nil {
			return err
		}
		h.sessions.Approve(sess, shareID)
	}

	allowed, err := h.shares.Resolve(ctx, currentUser(c), node,
		h.sessions.Approved(sess))
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%s: %w", node.Name, service.ErrPermissionDenied)
	}
	return nil
}

// HandleDownload handles GET /d/:id. Visitors without a session grant may
// pass an extraction code as the "code" query parameter.
func (h *Handler) HandleDownload(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid node id"})
	}
	ctx := c.Request().Context()

	node, err := h.tree.Node(ctx, id)
	if err != nil {
		return mapServiceError(c, err)
	}
	if err := h.gate(c, node); err != nil {
		return mapServiceError(c, err)
	}

	r, blob, err := h.uploads.Download(ctx, node)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer r.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename=%q`, node.Name))
	// ServeContent handles Range requests, so interrupted downloads resume.
	http.ServeContent(c.Response(), c.Request(), node.Name, blob.CreatedAt, r)
	return nil
}

// HandleInfo handles GET /api/info/:id. Access is gated like download.
func (h *Handler) HandleInfo(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid node id"})
	}
	ctx := c.Request().Context()

	node, err := h.tree.Node(ctx, id)
	if err != nil {
		return mapServiceError(c, err)
	}
	// A regular node still uploading is invisible here too.
	if _, err := h.uploads.Stat(ctx, node); err != nil {
		return mapServiceError(c, err)
	}
	if err := h.gate(c, node); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, summary(node))
}

// HandleShareCreate handles POST /api/share/:id. An empty "code" with
// "generate" unset creates an anonymous share; "generate" asks the server
// for a random extraction code; "expires_hours" limits the share's life.
func (h *Handler) HandleShareCreate(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid node id"})
	}
	node, err := h.tree.Node(ctx, id)
	if err != nil {
		return mapServiceError(c, err)
	}
	if node.OwnerID != user.ID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "permission denied"})
	}

	var code *string
	if formBool(c, "generate") {
		generated, err := service.GenerateCode()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to generate code"})
		}
		code = &generated
	} else if v := c.FormValue("code"); v != "" {
		code = &v
	}

	var expires *time.Time
	if hours := formInt64(c, "expires_hours", 0); hours > 0 {
		t := time.Now().Add(time.Duration(hours) * time.Hour)
		expires = &t
	}

	share, err := h.shares.Create(ctx, node, code, expires)
	if err != nil {
		return mapServiceError(c, err)
	}

	resp := echo.Map{
		"id":  share.ID,
		"url": fmt.Sprintf("/d/%d", node.ID),
	}
	if share.Code != nil {
		resp["code"] = *share.Code
	}
	if share.ExpiresAt != nil {
		resp["expires_at"] = share.ExpiresAt
	}
	return c.JSON(http.StatusCreated, resp)
}

// HandleShares handles GET /api/shares: the owner's share records.
func (h *Handler) HandleShares(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	records, err := h.shares.ByOwner(ctx, user.ID)
	if err != nil {
		return mapServiceError(c, err)
	}

	out := make([]echo.Map, 0, len(records))
	for _, s := range records {
		entry := echo.Map{
			"id":      s.ID,
			"node_id": s.NodeID,
			"expired": s.Expired(time.Now()),
		}
		if s.Code != nil {
			entry["code"] = *s.Code
		}
		if s.ExpiresAt != nil {
			entry["expires_at"] = s.ExpiresAt
		}
		if node, err := h.tree.Node(ctx, s.NodeID); err == nil {
			entry["name"] = node.Name
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, echo.Map{"shares": out})
}

// HandleShareDelete handles DELETE /api/share/:id.
func (h *Handler) HandleShareDelete(c echo.Context) error {
	user := currentUser(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid share id"})
	}
	if err := h.shares.Delete(c.Request().Context(), user.ID, id); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": true})
}

// HandleUnlink handles DELETE /api/file/:id: removes one regular file.
func (h *Handler) HandleUnlink(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid node id"})
	}
	node, err := h.tree.Node(ctx, id)
	if err != nil {
		return mapServiceError(c, err)
	}
	if node.OwnerID != user.ID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "permission denied"})
	}

	if err := h.files.Unlink(ctx, node); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": true})
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.users.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"users":              stats.Users,
		"directories":        stats.Directories,
		"regular_files":      stats.RegularFiles,
		"blobs":              stats.Blobs,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
		"dedup_saved_bytes":  stats.LogicalSize - stats.StorageUsed,
	})
}

// --- Helpers ---

func summary(n *database.Node) service.NodeSummary {
	return service.NodeSummary{
		ID:        n.ID,
		IsRegular: n.IsRegular,
		Owner:     n.OwnerName,
		Size:      n.Size,
		CreatedAt: n.CreatedAt,
		Name:      n.Name,
	}
}

func formBool(c echo.Context, key string) bool {
	b, _ := strconv.ParseBool(c.FormValue(key))
	return b
}

func formInt(c echo.Context, key string, fallback int) int {
	if n, err := strconv.Atoi(c.FormValue(key)); err == nil {
		return n
	}
	return fallback
}

func formInt64(c echo.Context, key string, fallback int64) int64 {
	if n, err := strconv.ParseInt(c.FormValue(key), 10, 64); err == nil {
		return n
	}
	return fallback
}

func nonNil(v []map[string]interface{}) []map[string]interface{} {
	if v == nil {
		return []map[string]interface{}{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func reason(err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return "not exists"
	case errors.Is(err, service.ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, service.ErrNotADirectory):
		return "not a directory"
	default:
		return err.Error()
	}
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrPermissionDenied):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "permission denied"})
	case errors.Is(err, service.ErrInvalidCode):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid extraction code"})
	case errors.Is(err, service.ErrInvalidLogin):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid username or password"})
	case errors.Is(err, service.ErrNameConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrDirectoryNotEmpty):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrChecksumMismatch):
		return c.JSON(http.StatusConflict, echo.Map{"error": "checksum mismatch, restart upload"})
	case errors.Is(err, service.ErrNotADirectory), errors.Is(err, service.ErrNotRegular):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrStorageIO):
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "storage failure"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
