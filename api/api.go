/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/giftpipe/giftpipe"
	"github.com/giftpipe/giftpipe/api/middleware"
	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	giftpipe *giftpipe.Giftpipe
	config   *config.Configuration
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/webhooks/fulfillment", middleware.WebhookSecretMiddleware(a.config), a.FulfillmentWebhook)

	operator := router.Group("/")
	if a.config.Server.Secure {
		operator.Use(middleware.SecretKeyAuthMiddleware())
	}
	operator.POST("/admin/orders/actions", a.AdminAction)
	operator.POST("/cron/process-orders", a.ProcessOrders)
	operator.POST("/cron/recover-orders", a.RecoverOrders)

	return a.router
}

func NewAPI(g *giftpipe.Giftpipe) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	metrics.Register()
	r := gin.Default()
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a := &Api{giftpipe: g, config: conf, router: r}
	r.GET("/health", a.Health)
	return a
}
