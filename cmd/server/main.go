package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketing/internal/checkin"
	"ticketing/internal/config"
	"ticketing/internal/db"
	"ticketing/internal/eventsettings"
	"ticketing/internal/inventory"
	"ticketing/internal/logging"
	"ticketing/internal/middleware"
	"ticketing/internal/monitoring"
	"ticketing/internal/notify"
	"ticketing/internal/order"
	"ticketing/internal/payment"
	"ticketing/internal/queue"
	"ticketing/internal/redemption"
	"ticketing/internal/router"
	rediskey "ticketing/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const mailStreamMaxLen = 100000

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	out, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	// 1. 数据库：自动识别 postgres / sqlite 并建表
	conn, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// 2. Redis：webhook 去重锁、限流、邮件 outbox
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	// 3. Kafka：邮件请求与投递回执
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.MailTopic)
	defer producer.Close()
	receipts := queue.NewReceiptConsumer(cfg.KafkaBrokers, cfg.MailReceiptTopic, cfg.MailReceiptGroup, conn)
	defer receipts.Close()

	// 4. 业务服务
	orders := order.NewService(conn, order.WithReservationWindow(cfg.ReservationWindow))
	codes := redemption.NewGenerator(conn, nil)
	settings := eventsettings.NewService(conn)
	mailer := notify.NewMailer(conn, codes, queue.NewStreamOutbox(rdb, cfg.MailStream, mailStreamMaxLen))

	bankLoc, err := cfg.BankLocation()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var pusher notify.Pusher
	if p := notify.NewPubNubPusher(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubUserID); p != nil {
		pusher = p
	}
	reconciler := payment.NewReconciler(conn, payment.Config{
		RefPrefix:    cfg.PaymentRefPrefix,
		PoolWindow:   cfg.MatchPoolWindow,
		TightWindow:  cfg.MatchTightWindow,
		LockTTL:      cfg.WebhookDedupeTTL,
		BankLocation: bankLoc,
	}, payment.Deps{
		Locker:   rediskey.NewLocks(rdb),
		Codes:    codes,
		Notifier: notify.NewDispatcher(conn, settings, mailer, pusher),
	})

	gin.DefaultWriter = out
	r := gin.New()
	r.Use(gin.LoggerWithWriter(out), gin.Recovery())
	router.Setup(r, router.Deps{
		DB:       conn,
		Redis:    rdb,
		Orders:   orders,
		Ledger:   inventory.NewLedger(conn),
		Payments: reconciler,
		Codes:    codes,
		Checkin:  checkin.NewValidator(conn, checkin.Config{Window: cfg.CheckinWindow, MaxAge: cfg.PayloadMaxAge}),
		Settings: settings,
		Mailer:   mailer,

		AdminToken:    cfg.AdminToken,
		WebhookAPIKey: cfg.WebhookAPIKey,
		WebhookLimit:  middleware.NewRateLimiter(rdb, "webhook", cfg.RateLimit, cfg.RateWindow).Handler(),
		CheckinLimit:  middleware.NewRateLimiter(rdb, "checkin", cfg.RateLimit, cfg.RateWindow).Handler(),
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		order.NewSweeper(orders, cfg.SweepInterval).WithCodeRepair(codes).Run(ctx)
		return nil
	})
	g.Go(func() error {
		return queue.NewRelay(rdb, producer, cfg.MailStream, cfg.MailStreamGroup, cfg.MailStreamConsumer).Run(ctx)
	})
	g.Go(func() error {
		return receipts.Run(ctx)
	})
	g.Go(func() error {
		monitoring.NewMonitor(conn, rdb, cfg.MailStream, 15*time.Second).Run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped with error")
		os.Exit(1)
	}
	log.Info("server stopped")
}
