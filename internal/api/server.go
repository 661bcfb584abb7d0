package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"energy-exchange/internal/db"
	"energy-exchange/internal/engine"
	"energy-exchange/internal/model"
	"energy-exchange/internal/ws"
)

var log = logrus.WithField("component", "api")

const tokenLifetime = 72 * time.Hour

type Server struct {
	store   *db.Store
	auction *engine.Auction
	hub     *ws.Hub
	secret  []byte
}

func NewServer(store *db.Store, auction *engine.Auction, hub *ws.Hub, secret string) *Server {
	return &Server{store: store, auction: auction, hub: hub, secret: []byte(secret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// WebSocket event stream
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		// Wallet
		r.Get("/api/wallet", s.getWallet)

		// Auction
		r.Get("/api/auction", s.auctionSummary)
		r.Post("/api/auction/bids", s.submitBid)
		r.Post("/api/auction/asks", s.submitAsk)
		r.Get("/api/auction/buckets/{id}", s.bucketStatus)
		r.Get("/api/auction/buckets/{id}/bids/{index}", s.getBid)
		r.Get("/api/auction/buckets/{id}/asks/{index}", s.getAsk)
		r.Get("/api/auction/buckets/{id}/trades", s.tradeBucket)
		r.Get("/api/auction/trades/last", s.lastTradeBucket)
		r.Post("/api/auction/trades/{bucket}/{trade}/deliver", s.markDelivered)

		// Operator
		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Post("/api/admin/roll", s.roll)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/participants", s.listParticipants)
			r.Get("/api/admin/events", s.listEvents)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

// authClaims is the token payload: subject is the participant id, Role gates
// the operator endpoints.
type authClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateParticipant(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		if db.IsUniqueViolation(err) {
			jsonErr(w, 409, "email already registered")
			return
		}
		jsonErr(w, 500, "create participant failed: "+err.Error())
		return
	}

	s.respondWithToken(w, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.UserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	s.respondWithToken(w, user)
}

func (s *Server) respondWithToken(w http.ResponseWriter, user *model.User) {
	now := time.Now()
	claims := authClaims{
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		jsonErr(w, 500, "token signing failed")
		return
	}
	json200(w, map[string]any{"user": user, "token": token})
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			jsonErr(w, 401, "missing token")
			return
		}
		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.Subject)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxRole).(string); role != string(model.RoleOperator) {
			jsonErr(w, 403, "operator only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wallet, err := s.store.WalletBalance(r.Context(), uid)
	if err != nil || wallet == nil {
		jsonErr(w, 404, "wallet not found")
		return
	}
	json200(w, wallet)
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Cents  int64  `json:"cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cents <= 0 {
		jsonErr(w, 400, "user_id and positive cents required")
		return
	}
	wallet, err := s.store.Deposit(r.Context(), req.UserID, req.Cents)
	if err != nil {
		jsonErr(w, 500, "deposit failed: "+err.Error())
		return
	}
	json200(w, wallet)
}

// ── Auction ──────────────────────────────────────────

func (s *Server) auctionSummary(w http.ResponseWriter, r *http.Request) {
	json200(w, map[string]any{
		"owner":               s.auction.Owner(),
		"current_bucket_id":   s.auction.CurrentBucketID(),
		"escrow_held":         s.auction.Held(),
		"last_clearing_price": s.auction.LastTradeBucketClearingPrice(),
		"last_trade_count":    s.auction.LastTradeBucketTradeCount(),
	})
}

// submitBid debits the caller's wallet for the escrow, then hands the order
// to the engine. The debit rolls back if the engine rejects the order.
func (s *Server) submitBid(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req model.SubmitBidReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	tx, err := s.store.BeginTx(r.Context())
	if err != nil {
		jsonErr(w, 500, "internal error")
		return
	}
	defer tx.Rollback()

	if err := db.WalletDebit(tx, uid, int64(req.Value)); err != nil {
		jsonErr(w, 402, "escrow debit failed: "+err.Error())
		return
	}
	offer, err := s.auction.SubmitBid(uid, req.Energy, req.Price, req.Value)
	if err != nil {
		jsonEngineErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		// The engine holds escrow the wallet never paid; surface loudly.
		log.Errorf("escrow debit commit failed after accepted bid: %v", err)
		jsonErr(w, 500, "commit failed")
		return
	}
	json200(w, offer)
}

func (s *Server) submitAsk(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req model.SubmitAskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	offer, err := s.auction.SubmitAsk(uid, req.Energy, req.Price)
	if err != nil {
		jsonEngineErr(w, err)
		return
	}
	json200(w, offer)
}

func (s *Server) roll(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	if err := s.auction.Roll(uid); err != nil {
		jsonEngineErr(w, err)
		return
	}
	json200(w, map[string]any{
		"current_bucket_id":   s.auction.CurrentBucketID(),
		"last_clearing_price": s.auction.LastTradeBucketClearingPrice(),
		"last_trade_count":    s.auction.LastTradeBucketTradeCount(),
	})
}

func (s *Server) markDelivered(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	bucketID, err1 := strconv.ParseUint(chi.URLParam(r, "bucket"), 10, 64)
	tradeID, err2 := strconv.ParseUint(chi.URLParam(r, "trade"), 10, 64)
	if err1 != nil || err2 != nil {
		jsonErr(w, 400, "bucket and trade must be integers")
		return
	}
	if err := s.auction.MarkDelivered(uid, bucketID, tradeID); err != nil {
		jsonEngineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "supplied"})
}

func (s *Server) bucketStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "id must be an integer")
		return
	}
	st, err := s.auction.BucketStatus(id)
	if err != nil {
		jsonEngineErr(w, err)
		return
	}
	json200(w, map[string]any{"bucket_id": id, "status": st})
}

func (s *Server) getBid(w http.ResponseWriter, r *http.Request) {
	s.getOffer(w, r, engine.SideBid)
}

func (s *Server) getAsk(w http.ResponseWriter, r *http.Request) {
	s.getOffer(w, r, engine.SideAsk)
}

func (s *Server) getOffer(w http.ResponseWriter, r *http.Request, side engine.Side) {
	id, err1 := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	index, err2 := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err1 != nil || err2 != nil {
		jsonErr(w, 400, "id and index must be integers")
		return
	}
	var (
		offer engine.Offer
		err   error
	)
	if side == engine.SideBid {
		offer, err = s.auction.Bid(id, index)
	} else {
		offer, err = s.auction.Ask(id, index)
	}
	if err != nil {
		jsonEngineErr(w, err)
		return
	}
	json200(w, offer)
}

func (s *Server) tradeBucket(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "id must be an integer")
		return
	}
	tb, err := s.auction.TradeBucketAt(id)
	if err != nil {
		jsonEngineErr(w, err)
		return
	}
	json200(w, tb)
}

func (s *Server) lastTradeBucket(w http.ResponseWriter, r *http.Request) {
	tb, err := s.auction.LastTradeBucket()
	if err != nil {
		jsonEngineErr(w, err)
		return
	}
	json200(w, tb)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := s.store.Participants(r.Context())
	if err != nil {
		jsonErr(w, 500, "list participants failed")
		return
	}
	json200(w, participants)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var bucketID *int64
	if v := r.URL.Query().Get("bucket_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			jsonErr(w, 400, "bucket_id must be an integer")
			return
		}
		bucketID = &n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.store.ListAuditEvents(r.Context(), bucketID, limit)
	if err != nil {
		jsonErr(w, 500, "list events failed")
		return
	}
	json200(w, events)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonEngineErr(w http.ResponseWriter, err error) {
	jsonErr(w, engineStatus(err), err.Error())
}

func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder):
		return 400
	case errors.Is(err, engine.ErrUnauthorized):
		return 403
	case errors.Is(err, engine.ErrTooEarly), errors.Is(err, engine.ErrAlreadySupplied):
		return 409
	case errors.Is(err, engine.ErrInvalidTrade), errors.Is(err, engine.ErrNotFound):
		return 404
	case errors.Is(err, engine.ErrLedgerFailure):
		return 502
	}
	return 500
}
