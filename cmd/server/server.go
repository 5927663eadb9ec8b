package server

import (
	"context"
	"net/http"
	"time"

	"example.com/socialgraph/internal/logger"
	"example.com/socialgraph/internal/metrics"
	"example.com/socialgraph/internal/middleware"
	"example.com/socialgraph/internal/social"
)

type Server struct {
	svc *social.Service
}

var logg = logger.New()

// Options configures the listener. TLS is enabled when both files are set.
type Options struct {
	Addr     string
	CertFile string
	KeyFile  string
}

// Run starts the HTTP server and shuts it down gracefully when ctx is done.
func Run(ctx context.Context, svc *social.Service, opts Options) {
	s := &Server{svc: svc}

	srv := &http.Server{
		Addr:         opts.Addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second, // prevent slowloris attacks
		WriteTimeout: 10 * time.Second,
	}

	// --- Start server in a goroutine ---
	go func() {
		var err error
		if opts.CertFile != "" && opts.KeyFile != "" {
			logg.Info("server", "Starting HTTPS server on "+opts.Addr)
			err = srv.ListenAndServeTLS(opts.CertFile, opts.KeyFile)
		} else {
			logg.Info("server", "Starting HTTP server on "+opts.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logg.Error("server", "Server stopped unexpectedly", err)
		}
	}()

	// --- Graceful shutdown ---
	<-ctx.Done()
	logg.Info("server", "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server", "Error during server shutdown", err)
	} else {
		logg.Info("server", "Server stopped gracefully")
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Users
	mux.HandleFunc("GET /api/users", s.listUsersHandler)
	mux.HandleFunc("POST /api/users", s.createUserHandler)
	mux.HandleFunc("GET /api/users/{userId}", s.getUserHandler)
	mux.HandleFunc("DELETE /api/users/{userId}", s.deleteUserHandler)

	// Follow graph
	mux.HandleFunc("POST /api/users/{userId}/follow/{followeeId}", s.followHandler)
	mux.HandleFunc("DELETE /api/users/{userId}/follow/{followeeId}", s.unfollowHandler)

	// Feeds and posts owned by a user
	mux.HandleFunc("GET /api/users/{userId}/posts", s.wallHandler)
	mux.HandleFunc("POST /api/users/{userId}/posts", s.createPostHandler)
	mux.HandleFunc("GET /api/users/{userId}/posts/{postId}", s.getPostHandler)
	mux.HandleFunc("PUT /api/users/{userId}/posts/{postId}", s.updatePostHandler)
	mux.HandleFunc("DELETE /api/users/{userId}/posts/{postId}", s.deletePostHandler)
	mux.HandleFunc("GET /api/users/{userId}/timeline", s.timelineHandler)

	// Posts by id
	mux.HandleFunc("GET /api/posts", s.listPostsHandler)
	mux.HandleFunc("GET /api/posts/{postId}", s.findPostHandler)
	mux.HandleFunc("PUT /api/posts/{postId}", s.updatePostByIDHandler)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())

	return middleware.RequestID(middleware.Observe(mux))
}
