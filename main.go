package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"buildsite/config"
	"buildsite/database"
	"buildsite/ledger"
	"buildsite/logger"
	"buildsite/middleware"
	"buildsite/router"
	"buildsite/sequence"
	"buildsite/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// @title 工程公司后台 API
// @version 1.0
// @description 项目、客户、投资人与项目账目管理，以及官网项目展示和联系表单
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

var (
	configFile  string
	port        string
	showVersion bool
	issueToken  string
)

func init() {
	flag.StringVar(&configFile, "config", "", "外部配置文件路径（可选）")
	flag.StringVar(&configFile, "c", "", "外部配置文件路径（简写）")
	flag.StringVar(&port, "port", "", "监听端口，如: 8080 或 :8080")
	flag.StringVar(&port, "p", "", "监听端口（简写）")
	flag.BoolVar(&showVersion, "version", false, "显示版本信息")
	flag.BoolVar(&showVersion, "v", false, "显示版本信息（简写）")
	flag.StringVar(&issueToken, "token", "", "为指定管理员签发令牌后退出")
}

func main() {
	flag.Parse()

	if showVersion {
		fmt.Println("buildsite v1.0.0")
		return
	}

	// 加载配置（内置配置 + 可选的外部配置覆盖）
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 命令行参数覆盖端口配置
	if port != "" {
		// 自动添加冒号前缀
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Server.Port = port
	}

	// 初始化 JWT
	middleware.InitJWT(cfg)
	if issueToken != "" {
		token, err := middleware.GenerateToken(issueToken, cfg.JWT.ExpireTime)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(token)
		return
	}

	zlog := logger.Init(cfg.Log)
	defer zlog.Sync()

	// 打印配置信息
	config.PrintConfig()

	// 初始化数据库
	if err := database.Init(cfg); err != nil {
		zlog.Fatal("数据库初始化失败", zap.Error(err))
	}

	ctx := context.Background()

	var rdb *redis.Client
	if cfg.Sequence.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			zlog.Fatal("连接 Redis 失败", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer rdb.Close()
	}
	counter, err := sequence.NewCounter(cfg.Sequence.Backend, rdb)
	if err != nil {
		zlog.Fatal("初始化编号生成失败", zap.Error(err))
	}
	seq := sequence.New(counter)

	media, err := service.NewMediaStore(ctx, cfg.Storage)
	if err != nil {
		zlog.Fatal("初始化对象存储失败", zap.Error(err))
	}

	reconciler := ledger.NewReconciler(ledger.Options{
		Strict:          cfg.Ledger.Strict,
		DefaultCurrency: cfg.Ledger.DefaultCurrency,
	})

	db := database.GetDB()
	r := router.SetupRouter(cfg, router.Services{
		Projects:  service.NewProjectService(db, reconciler, media),
		Customers: service.NewCustomerService(db, seq, cfg.Sequence.MaxRetries),
		Investors: service.NewInvestorService(db, seq, cfg.Sequence.MaxRetries),
		Contacts:  service.NewContactService(db),
	}, zlog)

	zlog.Info("服务已启动",
		zap.String("addr", cfg.Server.Port),
		zap.String("swagger", fmt.Sprintf("http://localhost%s/swagger/index.html", cfg.Server.Port)),
		zap.String("sequence_backend", cfg.Sequence.Backend),
	)

	if err := r.Run(cfg.Server.Port); err != nil {
		zlog.Fatal("服务器启动失败", zap.Error(err))
	}
}
