package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"progression-engine/config"
	"progression-engine/handlers"
	"progression-engine/middleware"
	"progression-engine/models"
	"progression-engine/services"
	"progression-engine/utils"
	"progression-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

func openDB(cfg config.Config) (*gorm.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := models.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func retryPolicy(cfg config.Config) services.RetryPolicy {
	p := services.DefaultRetryPolicy
	if cfg.RetryMaxAttempts > 0 {
		p.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialWait > 0 {
		p.InitialWait = cfg.RetryInitialWait
	}
	if cfg.RetryMaxWait > 0 {
		p.MaxWait = cfg.RetryMaxWait
	}
	return p
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the regeneration dispatcher and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := models.AutoMigrate(db); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			catalog := services.NewCatalogService(db)
			if empty, err := catalog.IsEmpty(ctx); err != nil {
				return err
			} else if empty {
				seed, err := services.DefaultCatalogSeed()
				if err != nil {
					return err
				}
				if _, _, err := catalog.Seed(ctx, seed); err != nil {
					return err
				}
			}

			retry := retryPolicy(cfg)
			replenish := services.NewReplenishService(db, retry, cfg.DispatchMaxAttempts)
			progression := services.NewProgressionService(db, retry)
			milestones := services.NewMilestoneService(db, retry, progression, replenish)

			icons, err := iconStore(ctx, cfg)
			if err != nil {
				return err
			}

			app := fiber.New(fiber.Config{
				BodyLimit: 8 * 1024 * 1024,
			})

			// 🔐❗ GLOBAL: Only Gateway requests allowed
			app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken))
			app.Use(cors.New(cors.Config{
				AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
				AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
				AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Service-Token, X-User-ID, X-User-Roles",
				ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
				AllowCredentials: true,
				MaxAge:           86400,
			}))

			handlers.SetupRoutes(app, handlers.Services{
				Businesses:   services.NewBusinessService(db, retry, replenish),
				Milestones:   milestones,
				Progression:  progression,
				Achievements: services.NewAchievementService(db),
				Replenish:    replenish,
				Catalog:      catalog,
				Icons:        icons,
			})
			app.Static("/uploads", "./uploads")

			worker := workers.NewRegenerationWorker(
				replenish,
				milestones,
				workers.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorToken),
				cfg.DispatchInterval,
				cfg.DispatchBatch,
			)
			if cfg.GeneratorURL == "" {
				log.Println("⚠️  PROGRESSION_GENERATOR_URL not set, regeneration requests stay queued")
			} else {
				worker.Start(ctx)
			}

			sched, err := services.StartScheduler(ctx, progression, replenish, services.SchedulerConfig{
				ReconcileInterval: cfg.ReconcileInterval,
				DispatchLease:     cfg.DispatchLease,
				CallbackTimeout:   cfg.DispatchCallbackTimeout,
			})
			if err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			go func() {
				if err := app.Listen(":" + cfg.Port); err != nil {
					log.Printf("Server error: %v", err)
				}
			}()

			log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
			log.Printf("✅ CORS configured for origins: %s", strings.Join(cfg.AllowedOrigins, ","))

			<-ctx.Done()
			log.Println("Shutting down server...")
			if err := sched.Shutdown(); err != nil {
				log.Printf("⚠️ scheduler shutdown: %v", err)
			}
			return app.ShutdownWithTimeout(10 * time.Second)
		},
	}
	cmd.Flags().String("port", "", "HTTP port (env PROGRESSION_PORT)")
	_ = viper.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func iconStore(ctx context.Context, cfg config.Config) (utils.IconStore, error) {
	if cfg.R2Enabled() {
		store, err := utils.NewR2Store(ctx, utils.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			Bucket:          cfg.R2Bucket,
			CDNBaseURL:      cfg.CDNBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize R2 client: %w", err)
		}
		log.Println("✅ Badge icons stored in R2")
		return store, nil
	}
	log.Println("⚠️  R2 not configured, badge icons stored under ./uploads")
	return utils.NewLocalStore("uploads", "/uploads")
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(config.Load())
			if err != nil {
				return err
			}
			if err := models.AutoMigrate(db); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			log.Println("✅ Database migrated")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the level and achievement catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(config.Load())
			if err != nil {
				return err
			}
			if err := models.AutoMigrate(db); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			var seed *services.CatalogSeed
			if file != "" {
				seed, err = services.LoadCatalogSeedFile(file)
			} else {
				seed, err = services.DefaultCatalogSeed()
			}
			if err != nil {
				return err
			}
			levels, achievements, err := services.NewCatalogService(db).Seed(cmd.Context(), seed)
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d level(s) and %d achievement(s)\n", levels, achievements)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML catalog file (defaults to the built-in catalog)")
	return cmd
}

func catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print levels and achievements",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(config.Load())
			if err != nil {
				return err
			}
			catalog := services.NewCatalogService(db)
			levels, err := catalog.ListLevels(cmd.Context())
			if err != nil {
				return err
			}
			achievements, err := catalog.ListAchievements(cmd.Context())
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle("Levels")
			tw.AppendHeader(table.Row{"Order", "Code", "Name", "Required", "Icon"})
			for _, l := range levels {
				tw.AppendRow(table.Row{l.Order, l.Code, l.Name, l.RequiredPoints, l.Icon})
			}
			tw.Render()

			aw := table.NewWriter()
			aw.SetOutputMirror(os.Stdout)
			aw.SetTitle("Achievements")
			aw.AppendHeader(table.Row{"Code", "Title", "Required", "Icon"})
			for _, a := range achievements {
				aw.AppendRow(table.Row{a.Code, a.Title, a.RequiredPoints, a.BadgeIcon})
			}
			aw.Render()
			return nil
		},
	}
}

func leaderboardCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the business leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			entries, err := services.NewProgressionService(db, retryPolicy(cfg)).Leaderboard(cmd.Context(), limit, "")
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Business", "Points", "Level", "Achievements"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.Rank, e.BusinessName, e.TotalPoints, e.LevelName, e.AchievementsCount})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of businesses to show")
	return cmd
}
