package router

import (
	"net/http"

	"buildsite/api"
	"buildsite/config"
	_ "buildsite/docs"
	"buildsite/logger"
	"buildsite/metrics"
	"buildsite/middleware"
	"buildsite/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// Services 路由依赖的服务
type Services struct {
	Projects  *service.ProjectService
	Customers *service.CustomerService
	Investors *service.InvestorService
	Contacts  *service.ContactService
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, svc Services, log *zap.Logger) *gin.Engine {
	// 设置运行模式
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	// RequestID 必须在日志中间件之前
	r.Use(middleware.RequestID())
	r.Use(logger.GinMiddleware(log))
	r.Use(logger.Recovery(log))
	r.Use(metrics.GinMiddleware())

	// CORS 中间件
	r.Use(CORSMiddleware())

	projectHandler := api.NewProjectHandler(svc.Projects)
	contactHandler := api.NewContactHandler(svc.Contacts)

	// 官网公开接口
	v1 := r.Group("/api/v1")
	{
		v1.GET("/projects", projectHandler.ListPublished)
		v1.GET("/projects/:id", projectHandler.GetPublished)
		v1.POST("/contact",
			middleware.RateLimit(cfg.Contact.RateLimit, cfg.Contact.RateWindow(), "提交过于频繁，请稍后再试"),
			contactHandler.Submit)
	}

	// 后台管理 API，需要管理员 JWT
	admin := r.Group("/admin")
	admin.Use(middleware.AdminAuth())
	{
		projects := admin.Group("/projects")
		{
			exportHandler := api.NewExportHandler(svc.Projects)
			projects.GET("", projectHandler.List)
			projects.POST("", projectHandler.Create)
			projects.GET("/:id", projectHandler.Get)
			projects.PUT("/:id", projectHandler.Update)
			projects.DELETE("/:id", projectHandler.Delete)
			projects.GET("/:id/ledger/export", exportHandler.ExportLedger)
		}

		customerHandler := api.NewCustomerHandler(svc.Customers)
		customers := admin.Group("/customers")
		{
			customers.GET("", customerHandler.List)
			customers.POST("", customerHandler.Create)
			customers.GET("/:id", customerHandler.Get)
			customers.PUT("/:id", customerHandler.Update)
			customers.DELETE("/:id", customerHandler.Delete)
		}

		investorHandler := api.NewInvestorHandler(svc.Investors)
		investors := admin.Group("/investors")
		{
			investors.GET("", investorHandler.List)
			investors.POST("", investorHandler.Create)
			investors.GET("/:id", investorHandler.Get)
			investors.PUT("/:id", investorHandler.Update)
			investors.DELETE("/:id", investorHandler.Delete)
		}

		contacts := admin.Group("/contact-messages")
		{
			contacts.GET("", contactHandler.List)
			contacts.PUT("/:id/read", contactHandler.MarkRead)
			contacts.DELETE("/:id", contactHandler.Delete)
		}
	}

	// Swagger 文档
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Prometheus 指标
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	return r
}

// CORSMiddleware CORS 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
