package main

import (
	"context"
	"flag"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/client"
	"github.com/mahaj/sitechat/pkg/logger"
)

// verify_api walks a direct conversation end to end against a running api
// started with APP_ENV=dev.
func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	flag.Parse()
	logger.Init("dev", "info")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := mustLogin(ctx, *apiAddr, "verify_alice")
	bob := mustLogin(ctx, *apiAddr, "verify_bob")

	ch, err := alice.OpenDirect(ctx, "verify_bob")
	if err != nil {
		log.Fatal().Err(err).Msg("open direct")
	}
	log.Info().Str("channel_id", ch.ID).Msg("direct channel ready")

	nonce := uuid.NewString()
	sent, err := alice.Send(ctx, ch.ID, client.SendRequest{Text: "verify " + nonce, ClientNonce: nonce})
	if err != nil {
		log.Fatal().Err(err).Msg("send")
	}
	again, err := alice.Send(ctx, ch.ID, client.SendRequest{Text: "verify " + nonce, ClientNonce: nonce})
	if err != nil {
		log.Fatal().Err(err).Msg("resend")
	}
	if again.ID != sent.ID {
		log.Fatal().Int64("first", sent.ID).Int64("second", again.ID).Msg("resend with the same nonce created a second message")
	}

	page, err := bob.History(ctx, ch.ID, 0, 20)
	if err != nil {
		log.Fatal().Err(err).Msg("history")
	}
	if n := len(page.Messages); n == 0 || page.Messages[n-1].ID != sent.ID {
		log.Fatal().Int("messages", n).Msg("sent message missing from history")
	}

	if _, err := bob.MarkRead(ctx, ch.ID, 0); err != nil {
		log.Fatal().Err(err).Msg("mark read")
	}
	receipts, err := alice.Receipts(ctx, ch.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("receipts")
	}
	for _, r := range receipts {
		log.Info().Str("user_id", r.UserID).Int64("last_read", r.LastReadMessageID).Msg("receipt")
	}
	log.Info().Int64("message_id", sent.ID).Msg("api verified")
}

func mustLogin(ctx context.Context, addr, userID string) *client.API {
	token, err := client.Login(ctx, addr, userID)
	if err != nil {
		log.Fatal().Err(err).Str("user_id", userID).Msg("login")
	}
	return client.NewAPI(addr, token)
}
