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

package expiry

import (
	"strings"
	"time"

	"github.com/blnkfinance/reseller/config"
	"github.com/shopspring/decimal"
)

type Category string

const (
	Bitcoin    Category = "bitcoin"
	Ethereum   Category = "ethereum"
	Stablecoin Category = "stablecoin"
	FastCrypto Category = "fast_crypto"
	Unknown    Category = "unknown"
)

var assetCategories = map[string]Category{
	"BTC": Bitcoin, "BCH": Bitcoin, "BSV": Bitcoin,
	"ETH": Ethereum, "ETC": Ethereum,
	"USDT": Stablecoin, "USDC": Stablecoin, "DAI": Stablecoin, "BUSD": Stablecoin, "TUSD": Stablecoin,
	"LTC": FastCrypto, "DOGE": FastCrypto, "TRX": FastCrypto, "SOL": FastCrypto,
	"XRP": FastCrypto, "BNB": FastCrypto, "MATIC": FastCrypto, "POL": FastCrypto,
}

type Config struct {
	Base            map[Category]time.Duration
	ProviderBuffers map[string]time.Duration
	MinTimeout      time.Duration
	GracePeriod     time.Duration
}

func DefaultConfig() Config {
	return ConfigFrom(config.Default().Expiry)
}

func ConfigFrom(cnf config.ExpiryConfig) Config {
	buffers := make(map[string]time.Duration, len(cnf.ProviderBufferMinutes))
	for provider, minutes := range cnf.ProviderBufferMinutes {
		buffers[strings.ToLower(provider)] = time.Duration(minutes) * time.Minute
	}
	return Config{
		Base: map[Category]time.Duration{
			Bitcoin:    time.Duration(cnf.BitcoinMinutes) * time.Minute,
			Ethereum:   time.Duration(cnf.EthereumMinutes) * time.Minute,
			Stablecoin: time.Duration(cnf.StablecoinMinutes) * time.Minute,
			FastCrypto: time.Duration(cnf.FastCryptoMinutes) * time.Minute,
			Unknown:    time.Duration(cnf.UnknownMinutes) * time.Minute,
		},
		ProviderBuffers: buffers,
		MinTimeout:      time.Duration(cnf.MinTimeoutMinutes) * time.Minute,
		GracePeriod:     time.Duration(cnf.GracePeriodMinutes) * time.Minute,
	}
}

// Classify maps an asset symbol to its timeout category. Network suffixes
// such as "USDT_TRC20" or "usdt-erc20" are ignored, and a stablecoin on any
// chain stays a stablecoin.
func Classify(asset string) Category {
	parts := strings.FieldsFunc(strings.ToUpper(strings.TrimSpace(asset)), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == '/' || r == ' '
	})
	for _, p := range parts {
		if assetCategories[p] == Stablecoin {
			return Stablecoin
		}
	}
	for _, p := range parts {
		if c, ok := assetCategories[p]; ok {
			return c
		}
	}
	return Unknown
}

type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Timeout returns how long a payment in asset through provider may stay
// unpaid. The amount is accepted for future per-size policies and does not
// change the result today.
func (c *Calculator) Timeout(asset, provider string, _ decimal.Decimal) time.Duration {
	category := Classify(asset)
	timeout, ok := c.cfg.Base[category]
	if !ok {
		timeout = c.cfg.Base[Unknown]
	}
	timeout += c.cfg.ProviderBuffers[strings.ToLower(strings.TrimSpace(provider))]
	if timeout < c.cfg.MinTimeout {
		timeout = c.cfg.MinTimeout
	}
	return timeout
}

func (c *Calculator) ExpiresAt(createdAt time.Time, asset, provider string, amount decimal.Decimal) time.Time {
	return createdAt.Add(c.Timeout(asset, provider, amount))
}

// IsExpired reports whether now is past expiresAt. With includeGrace the
// grace period must also have elapsed.
func (c *Calculator) IsExpired(expiresAt, now time.Time, includeGrace bool) bool {
	if !now.After(expiresAt) {
		return false
	}
	if includeGrace {
		return now.After(expiresAt.Add(c.cfg.GracePeriod))
	}
	return true
}

// IsRecentlyCreated reports whether createdAt is younger than the minimum
// timeout.
func (c *Calculator) IsRecentlyCreated(createdAt, now time.Time) bool {
	return now.Sub(createdAt) < c.cfg.MinTimeout
}

func (c *Calculator) GracePeriod() time.Duration {
	return c.cfg.GracePeriod
}
