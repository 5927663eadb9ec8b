package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"example.com/socialgraph/internal/models"
	"go.uber.org/zap"
)

// --- Response shapes ---

type userView struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Followees []int64 `json:"followees"`
}

type usersResponse struct {
	Users []userView `json:"users"`
}

type postsResponse struct {
	Posts []models.Post `json:"posts"`
}

type postRequest struct {
	Text string `json:"text"`
}

func toView(u *models.User) userView {
	followees := u.Followees
	if followees == nil {
		followees = []int64{}
	}
	return userView{ID: u.ID, Username: u.Username, Followees: followees}
}

func postsOf(posts ...models.Post) postsResponse {
	if posts == nil {
		posts = []models.Post{}
	}
	return postsResponse{Posts: posts}
}

// --- Users ---

// listUsersHandler returns every user: {"users": [...]}
func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListUsers(r.Context())
	if err != nil {
		s.fail(w, "http/users", err)
		return
	}
	resp := usersResponse{Users: make([]userView, 0, len(users))}
	for i := range users {
		resp.Users = append(resp.Users, toView(&users[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// createUserHandler handles POST requests to create a new user.
// Expects JSON body: {"username": "example"}
func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if !decode(w, r, "http/users", &body) {
		return
	}

	u, err := s.svc.CreateUser(r.Context(), body.Username)
	if err != nil {
		s.fail(w, "http/users", err)
		return
	}
	writeJSON(w, http.StatusCreated, usersResponse{Users: []userView{toView(u)}})
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	u, err := s.svc.GetUser(r.Context(), userID)
	if err != nil {
		s.fail(w, "http/users", err)
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{Users: []userView{toView(u)}})
}

func (s *Server) deleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	if err := s.svc.DeleteUser(r.Context(), userID); err != nil {
		s.fail(w, "http/users", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- Follow graph ---

func (s *Server) followHandler(w http.ResponseWriter, r *http.Request) {
	userID, followeeID, ok := pathIDs(w, r, "userId", "followeeId")
	if !ok {
		return
	}
	if err := s.svc.Follow(r.Context(), userID, followeeID); err != nil {
		s.fail(w, "http/follow", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) unfollowHandler(w http.ResponseWriter, r *http.Request) {
	userID, followeeID, ok := pathIDs(w, r, "userId", "followeeId")
	if !ok {
		return
	}
	if err := s.svc.Unfollow(r.Context(), userID, followeeID); err != nil {
		s.fail(w, "http/follow", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- Feeds ---

func (s *Server) wallHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	posts, err := s.svc.Wall(r.Context(), userID)
	if err != nil {
		s.fail(w, "http/wall", err)
		return
	}
	writeJSON(w, http.StatusOK, postsOf(posts...))
}

func (s *Server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	posts, err := s.svc.Timeline(r.Context(), userID)
	if err != nil {
		s.fail(w, "http/timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, postsOf(posts...))
}

// --- Posts owned by a user ---

// createPostHandler creates a post for the user in the path.
// Expects JSON body: {"text": "post content"}
func (s *Server) createPostHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	var body postRequest
	if !decode(w, r, "http/posts", &body) {
		return
	}

	p, err := s.svc.CreatePost(r.Context(), userID, body.Text)
	if err != nil {
		s.fail(w, "http/posts", err)
		return
	}
	writeJSON(w, http.StatusCreated, postsOf(*p))
}

func (s *Server) getPostHandler(w http.ResponseWriter, r *http.Request) {
	userID, postID, ok := pathIDs(w, r, "userId", "postId")
	if !ok {
		return
	}
	p, err := s.svc.GetPost(r.Context(), userID, postID)
	if err != nil {
		s.fail(w, "http/posts", err)
		return
	}
	writeJSON(w, http.StatusOK, postsOf(*p))
}

func (s *Server) updatePostHandler(w http.ResponseWriter, r *http.Request) {
	userID, postID, ok := pathIDs(w, r, "userId", "postId")
	if !ok {
		return
	}
	var body postRequest
	if !decode(w, r, "http/posts", &body) {
		return
	}

	p, err := s.svc.UpdatePost(r.Context(), userID, postID, body.Text)
	if err != nil {
		s.fail(w, "http/posts", err)
		return
	}
	writeJSON(w, http.StatusOK, postsOf(*p))
}

func (s *Server) deletePostHandler(w http.ResponseWriter, r *http.Request) {
	userID, postID, ok := pathIDs(w, r, "userId", "postId")
	if !ok {
		return
	}
	if err := s.svc.DeletePost(r.Context(), userID, postID); err != nil {
		s.fail(w, "http/posts", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- Posts by id ---

func (s *Server) listPostsHandler(w http.ResponseWriter, r *http.Request) {
	posts, err := s.svc.ListPosts(r.Context())
	if err != nil {
		s.fail(w, "http/posts", err)
		return
	}
	writeJSON(w, http.StatusOK, postsOf(posts...))
}

func (s *Server) findPostHandler(w http.ResponseWriter, r *http.Request) {
	postID, ok := pathID(w, r, "postId")
	if !ok {
		return
	}
	p, _, err := s.svc.FindPost(r.Context(), postID)
	if err != nil {
		s.fail(w, "http/posts", err)
		return
	}
	writeJSON(w, http.StatusOK, postsOf(*p))
}

func (s *Server) updatePostByIDHandler(w http.ResponseWriter, r *http.Request) {
	postID, ok := pathID(w, r, "postId")
	if !ok {
		return
	}
	var body postRequest
	if !decode(w, r, "http/posts", &body) {
		return
	}

	p, err := s.svc.UpdatePostByID(r.Context(), postID, body.Text)
	if err != nil {
		s.fail(w, "http/posts", err)
		return
	}
	writeJSON(w, http.StatusOK, postsOf(*p))
}

// --- helpers ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrAlreadyFollowing):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, module string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logg.Error(module, "Request failed", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	logg.Info(module, "Request rejected", zap.Int("status", status), zap.String("reason", err.Error()))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// maxBodyBytes caps request bodies; the largest valid one is a 140 character text.
const maxBodyBytes = 4 << 10

func decode(w http.ResponseWriter, r *http.Request, module string, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logg.Info(module, "Request body too large", zap.Int64("limit", tooLarge.Limit))
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		logg.Info(module, "Invalid request body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func pathIDs(w http.ResponseWriter, r *http.Request, a, b string) (int64, int64, bool) {
	first, ok := pathID(w, r, a)
	if !ok {
		return 0, 0, false
	}
	second, ok := pathID(w, r, b)
	return first, second, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logg.Error("http", "Failed to encode response", err)
	}
}
