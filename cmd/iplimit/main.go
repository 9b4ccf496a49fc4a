package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"iplimit/internal/api"
	"iplimit/internal/config"
	"iplimit/internal/enforcer"
	"iplimit/internal/processor"
	"iplimit/internal/services/alerter"
	"iplimit/internal/services/geo"
	"iplimit/internal/services/panel"
	"iplimit/internal/services/publisher"
	"iplimit/internal/services/storage"
	"iplimit/internal/stream"
	"iplimit/internal/tracker"
)

const version = "1.0.0"

const restartDelay = 10 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	defaultConfig := os.Getenv("IPLIMIT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.json"
	}
	configPath := flag.String("config", defaultConfig, "путь к конфигурационному файлу")
	showVersion := flag.Bool("version", false, "показать версию и выйти")
	flag.Parse()

	if *showVersion {
		fmt.Println("iplimit", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}
	cfg.LogSummary()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notify := alerter.NewTelegramAlerter(cfg.BotToken, cfg.Admins)

	// Внешний цикл перезапускает внутреннюю сборку после нефатальных падений.
	// Исчерпание аутентификации фатально: повторять бессмысленно, пока админ
	// не починит учётные данные или панель.
	for {
		err := run(ctx, cfg, notify)
		if ctx.Err() != nil {
			log.Println("Остановка по сигналу")
			return
		}
		if errors.Is(err, panel.ErrAuthExhausted) {
			msg := "Panel authentication failed after all attempts, shutting down"
			log.Println(msg)
			if nerr := notify.Notify(context.Background(), msg); nerr != nil {
				log.Printf("Ошибка отправки уведомления: %v", nerr)
			}
			os.Exit(1)
		}
		log.Printf("Сбой основного цикла: %v. Перезапуск через %v", err, restartDelay)
		if nerr := notify.Notify(ctx, fmt.Sprintf("Restarting after failure: %v", err)); nerr != nil {
			log.Printf("Ошибка отправки уведомления: %v", nerr)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// run собирает все компоненты и держит их до отмены контекста или
// первой фатальной ошибки.
func run(ctx context.Context, cfg *config.Config, notify alerter.Notifier) error {
	panelClient := panel.NewClient(panel.Credentials{
		Domain:   cfg.PanelDomain,
		Username: cfg.PanelUsername,
		Password: cfg.PanelPassword,
	}, cfg.PanelMaxAttempts)

	var store storage.DisabledStore
	var err error
	if cfg.RedisURL != "" {
		store, err = storage.NewRedisStore(ctx, cfg.RedisURL)
	} else {
		store, err = storage.NewFileStore(cfg.DisabledUsersFile)
	}
	if err != nil {
		return fmt.Errorf("ошибка инициализации хранилища: %w", err)
	}
	defer store.Close()

	var events publisher.EventPublisher
	if cfg.RabbitMQURL != "" {
		rmq, err := publisher.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.EventsExchangeName)
		if err != nil {
			return fmt.Errorf("ошибка инициализации издателя событий: %w", err)
		}
		defer rmq.Close()
		events = rmq
	}

	// Ранняя проверка доступности панели и учётных данных.
	users, err := panelClient.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("панель недоступна: %w", err)
	}
	log.Printf("Панель доступна, аккаунтов: %d", len(users))

	tr := tracker.New()
	locator := geo.NewLocator(geo.DefaultProviders(), 2*time.Second)
	proc := processor.New(locator, tr, cfg.IPLocation)

	policy := enforcer.Policy{
		GeneralLimit:   cfg.GeneralLimit,
		SpecialLimit:   cfg.SpecialLimit,
		ExceptUsers:    cfg.ExceptSet(),
		NoiseThreshold: cfg.NoiseThreshold,
	}
	enf := enforcer.New(tr, panelClient, store, notify, events, policy, cfg.CheckInterval())
	rein := enforcer.NewReinstater(panelClient, store, notify, events, cfg.TimeToActiveUsers())

	// Аккаунты, оставшиеся отключёнными после прошлого запуска,
	// включаются до старта циклов.
	if err := rein.RecoverOnStartup(ctx); err != nil {
		return err
	}

	sup := stream.NewSupervisor(panelClient, proc, notify)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return enf.Run(gctx) })
	g.Go(func() error { return rein.Run(gctx) })

	if cfg.APIPort != "" {
		srv := &http.Server{
			Addr:    ":" + cfg.APIPort,
			Handler: api.NewServer(version, cfg, tr, store, locator, sup, events).Handler(),
		}
		g.Go(func() error {
			log.Printf("Статусный API слушает на %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ошибка статусного API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
