package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"campus/auth/internal/config"
	"campus/auth/internal/directory"
	internalhttp "campus/auth/internal/http"
	"campus/auth/internal/permission"
	"campus/auth/internal/preauth"
	"campus/auth/internal/repository"
	"campus/auth/internal/secondfactor"
	"campus/auth/internal/session"
	"campus/auth/internal/token"
	"campus/auth/internal/verifier"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("redis ping failed: %v", err)
	}
	cancelPing()
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	privateKey, err := token.ParseRSAPrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("private key parse failed: %v", err)
	}
	publicKey, err := token.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("public key parse failed: %v", err)
	}
	jwks, err := token.NewJWKSet(publicKey)
	if err != nil {
		log.Fatalf("jwks build failed: %v", err)
	}

	// The verification strategy is selected exactly once, here. No call-time
	// state decides between them and there is no failover.
	var verify verifier.Verifier
	switch cfg.AuthBackend {
	case config.BackendDirectory:
		dir := directory.New(directory.Config{
			URL:          cfg.LDAPURL,
			StartTLS:     cfg.LDAPStartTLS,
			BaseDN:       cfg.LDAPBaseDN,
			BindDN:       cfg.LDAPBindDN,
			BindPassword: cfg.LDAPBindPassword,
			UserAttr:     cfg.LDAPUserAttr,
			GroupRoles:   cfg.LDAPGroupRoles,
		}, nil)
		verify = verifier.NewDirectory(dir, store, dir.GroupRoles(), cfg.BcryptCost)
	case config.BackendLocal:
		verify = verifier.NewLocal(store)
	default:
		log.Fatalf("unknown auth backend %q", cfg.AuthBackend)
	}

	resolver := permission.NewResolver(store, store)
	issuer := session.NewIssuer(store, store, resolver, privateKey, publicKey, cfg.JWTIssuer)
	factors := secondfactor.NewManager(store, cfg.JWTIssuer)
	preauthStore := preauth.NewStore(redisClient, cfg.PreauthTokenTTL)

	server := internalhttp.NewServer(store, verify, factors, issuer, preauthStore, jwks, cfg.BcryptCost)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("campus-auth listening on %s (backend=%s)", cfg.HTTPAddr, cfg.AuthBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
