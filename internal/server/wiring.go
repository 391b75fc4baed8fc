// Package server wires the services into the HTTP application.
package server

import (
	"log/slog"

	"github.com/diewo77/go-jobshop/auth"
	"github.com/diewo77/go-jobshop/internal/handlers"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/diewo77/go-jobshop/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Deps are the collaborators the application is built from.
type Deps struct {
	DB      *gorm.DB
	Storage storage.Storage
	// Settings defaults to the settings table.
	Settings services.Settings
	Policy   services.UnassignedSelectionPolicy
	Auth     *auth.Authenticator
	// Registry receives the service metrics and backs /metrics.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// RouterConfig holds the configured services and the handlers built on them.
type RouterConfig struct {
	Sync       *services.ChecklistSynchronizer
	Router     *services.DepartmentRouter
	Ledger     *services.ChargeLedger
	Orders     *services.OrderService
	Conversion *services.QuoteConversionEngine

	OrderHandler      *handlers.OrderHandler
	ChargeHandler     *handlers.ChargeHandler
	DepartmentHandler *handlers.DepartmentHandler
	QuoteHandler      *handlers.QuoteHandler
}

// NewRouterConfig builds every service once and shares them between handlers.
func NewRouterConfig(d Deps) *RouterConfig {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	var metrics *services.Metrics
	if d.Registry != nil {
		metrics = services.NewMetrics(d.Registry)
	}
	settings := d.Settings
	if settings == nil {
		settings = services.NewSettingsStore(d.DB)
	}

	sync := services.NewChecklistSynchronizer(d.DB, log, metrics)
	router := services.NewDepartmentRouter(d.DB, log, metrics)
	ledger := services.NewChargeLedger(d.DB, sync, router, log, metrics)
	orders := services.NewOrderService(d.DB, sync, router, log, metrics)
	conversion := services.NewQuoteConversionEngine(d.DB, d.Storage, settings, sync, router, d.Policy, log, metrics)

	return &RouterConfig{
		Sync:       sync,
		Router:     router,
		Ledger:     ledger,
		Orders:     orders,
		Conversion: conversion,

		OrderHandler:      handlers.NewOrderHandler(orders, log),
		ChargeHandler:     handlers.NewChargeHandler(ledger, log),
		DepartmentHandler: handlers.NewDepartmentHandler(router, log),
		QuoteHandler:      handlers.NewQuoteHandler(conversion, log),
	}
}
