package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/meridianhq/meridian"
	"github.com/meridianhq/meridian/api/middleware"
	"github.com/meridianhq/meridian/config"
)

type Api struct {
	meridian *meridian.Meridian
	router   *gin.Engine
	secure   bool
}

func (a Api) Router() *gin.Engine {
	router := a.router

	// Webhook routes authenticate per delivery (bearer token or HMAC)
	// and are never behind the dashboard secret key.
	router.POST("/webhooks/chain", a.ChainWebhook)
	router.POST("/webhooks/pos", a.PosWebhook)

	dashboard := router.Group("/")
	if a.secure {
		dashboard.Use(middleware.SecretKeyAuthMiddleware())
	}

	dashboard.POST("/payments", a.CreatePaymentRecord)
	dashboard.GET("/payments/:id", a.GetPaymentRecord)
	dashboard.GET("/payments", a.GetAllPaymentRecords)

	dashboard.POST("/merchants", a.CreateMerchant)
	dashboard.GET("/merchants/:id", a.GetMerchant)
	dashboard.GET("/merchants", a.GetAllMerchants)
	dashboard.GET("/merchants/:id/balance", a.GetMerchantBalance)
	dashboard.POST("/merchants/register-webhook", a.RegisterChainWebhook)

	return a.router
}

func NewAPI(m *meridian.Meridian) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("meridian"))
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{meridian: m, router: r, secure: conf.Server.Secure}
}
