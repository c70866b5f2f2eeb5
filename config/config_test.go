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

package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.Fulfillment.LeadTime() != 5*24*time.Hour {
		t.Errorf("Expected 5 day lead time, got %s", cnf.Fulfillment.LeadTime())
	}
	if cnf.Fulfillment.InterOrderDelay() != time.Second {
		t.Errorf("Expected 1s inter-order delay, got %s", cnf.Fulfillment.InterOrderDelay())
	}
	if cnf.Security.DailyOrderLimit != 10 || cnf.Security.DailySpendLimit != "500.00" || cnf.Security.MonthlySpendLimit != "5000.00" {
		t.Errorf("Unexpected security defaults: %+v", cnf.Security)
	}
	if cnf.Security.PatternWindowMinutes != 60 || cnf.Security.PatternThreshold != 20 {
		t.Errorf("Unexpected pattern defaults: %+v", cnf.Security)
	}
	if cnf.Scheduler.CronSpec != "@every 1h" || cnf.Scheduler.LockTTL() != 30*time.Minute {
		t.Errorf("Unexpected scheduler defaults: %+v", cnf.Scheduler)
	}
	if cnf.Scheduler.StuckThreshold() != time.Hour || cnf.Scheduler.RecoveryInterval() != 5*time.Minute {
		t.Errorf("Unexpected recovery defaults: %+v", cnf.Scheduler)
	}
	if cnf.Queue.BatchQueue == "" || cnf.Queue.WebhookQueue == "" {
		t.Errorf("Expected queue names to be defaulted, got %+v", cnf.Queue)
	}
	if cnf.RateLimit.RequestsPerSecond != nil || cnf.RateLimit.Burst != nil {
		t.Errorf("Expected rate limiting to stay disabled")
	}
}

func TestValidateAndAddDefaults_InvalidSpendLimit(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Security:   SecurityConfig{DailySpendLimit: "five hundred"},
	}

	if err := cnf.validateAndAddDefaults(); err == nil {
		t.Errorf("Expected invalid spend limit error")
	}
}

func TestValidateAndAddDefaults_RateLimit(t *testing.T) {
	rps := 10.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		RateLimit:  RateLimitConfig{RequestsPerSecond: &rps},
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.RateLimit.Burst == nil || *cnf.RateLimit.Burst != 20 {
		t.Errorf("Expected burst to default to 2x RPS")
	}
}

func TestValidateAndAddDefaults_PatternThresholdCoversDailyLimit(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Security:   SecurityConfig{DailyOrderLimit: 25, PatternThreshold: 5},
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Security.PatternThreshold != 25 {
		t.Errorf("Expected pattern threshold to be raised to the daily order limit, got %d", cnf.Security.PatternThreshold)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "giftpipe.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Fulfillment: FulfillmentConfig{LeadTimeDays: 7},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	t.Setenv("GIFTPIPE_PROJECT_NAME", "Env Project")
	t.Setenv("GIFTPIPE_SECURITY_DAILY_ORDER_LIMIT", "3")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
	if loadedConfig.Fulfillment.LeadTimeDays != 7 {
		t.Errorf("Expected LeadTimeDays from file to be 7, got %d", loadedConfig.Fulfillment.LeadTimeDays)
	}
	if loadedConfig.Security.DailyOrderLimit != 3 {
		t.Errorf("Expected DailyOrderLimit from env to be 3, got %d", loadedConfig.Security.DailyOrderLimit)
	}
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "giftpipe.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource:  DataSourceConfig{Dns: "init-config-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
}

func TestMockConfig(t *testing.T) {
	MockConfig(&Configuration{ProjectName: "mocked"})
	cnf, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if cnf.ProjectName != "mocked" {
		t.Errorf("Expected mocked config, got %s", cnf.ProjectName)
	}
}
