package instrument

import (
	"fmt"
	"sort"
	"strings"
)

// 平台标识，与配置中的 platforms[].id 保持一致。
const (
	PlatformMT5Libertex  = "MT5_LIBERTEX"
	PlatformMT5ICMarkets = "MT5_ICMARKETS"
	PlatformBinance      = "BINANCE"
)

// Instrument 描述一个可交易品种及其跨平台符号映射。
type Instrument struct {
	ID         string
	Name       string
	DataTicker string
	Category   string
	Unit       string
	Symbols    map[string]string
}

// Platforms 返回该品种可交易的平台列表，按字典序排列。
func (i Instrument) Platforms() []string {
	out := make([]string, 0, len(i.Symbols))
	for p := range i.Symbols {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TradableOn 判断品种是否可以在指定平台交易。
func (i Instrument) TradableOn(platform string) bool {
	_, ok := i.Symbols[strings.ToUpper(platform)]
	return ok
}

func mt5(libertex, icmarkets string) map[string]string {
	return map[string]string{
		PlatformMT5Libertex:  libertex,
		PlatformMT5ICMarkets: icmarkets,
	}
}

func crypto(symbol string) map[string]string {
	return map[string]string{PlatformBinance: symbol}
}

// registry 为启动时装载的静态品种表，运行期只读。
var registry = map[string]Instrument{
	"WTI_CRUDE":   {ID: "WTI_CRUDE", Name: "WTI Crude Oil", DataTicker: "CL=F", Category: "Energie", Unit: "USD/Barrel", Symbols: mt5("USOIL", "XTIUSD")},
	"BRENT_CRUDE": {ID: "BRENT_CRUDE", Name: "Brent Crude Oil", DataTicker: "BZ=F", Category: "Energie", Unit: "USD/Barrel", Symbols: mt5("UKOIL", "XBRUSD")},
	"NATURAL_GAS": {ID: "NATURAL_GAS", Name: "Natural Gas", DataTicker: "NG=F", Category: "Energie", Unit: "USD/MMBtu", Symbols: mt5("NATURALGAS", "XNGUSD")},
	"HEATING_OIL": {ID: "HEATING_OIL", Name: "Heizöl", DataTicker: "HO=F", Category: "Energie", Unit: "USD/Gallon", Symbols: mt5("HEATINGOIL", "")},
	"GOLD":        {ID: "GOLD", Name: "Gold", DataTicker: "GC=F", Category: "Edelmetalle", Unit: "USD/oz", Symbols: mt5("XAUUSD", "XAUUSD")},
	"SILVER":      {ID: "SILVER", Name: "Silber", DataTicker: "SI=F", Category: "Edelmetalle", Unit: "USD/oz", Symbols: mt5("XAGUSD", "XAGUSD")},
	"PLATINUM":    {ID: "PLATINUM", Name: "Platin", DataTicker: "PL=F", Category: "Edelmetalle", Unit: "USD/oz", Symbols: mt5("XPTUSD", "XPTUSD")},
	"PALLADIUM":   {ID: "PALLADIUM", Name: "Palladium", DataTicker: "PA=F", Category: "Edelmetalle", Unit: "USD/oz", Symbols: mt5("XPDUSD", "XPDUSD")},
	"COPPER":      {ID: "COPPER", Name: "Kupfer", DataTicker: "HG=F", Category: "Industriemetalle", Unit: "USD/lb", Symbols: mt5("COPPER", "XCUUSD")},
	"ALUMINUM":    {ID: "ALUMINUM", Name: "Aluminium", DataTicker: "ALI=F", Category: "Industriemetalle", Unit: "USD/ton", Symbols: mt5("ALUMINUM", "")},
	"WHEAT":       {ID: "WHEAT", Name: "Weizen", DataTicker: "ZW=F", Category: "Agrar", Unit: "USD/Bushel", Symbols: mt5("WHEAT", "WHEAT")},
	"CORN":        {ID: "CORN", Name: "Mais", DataTicker: "ZC=F", Category: "Agrar", Unit: "USD/Bushel", Symbols: mt5("CORN", "CORN")},
	"SOYBEANS":    {ID: "SOYBEANS", Name: "Sojabohnen", DataTicker: "ZS=F", Category: "Agrar", Unit: "USD/Bushel", Symbols: mt5("SOYBEANS", "SOYBEAN")},
	"COFFEE":      {ID: "COFFEE", Name: "Kaffee", DataTicker: "KC=F", Category: "Agrar", Unit: "USD/lb", Symbols: mt5("COFFEE", "COFFEE")},

	"BITCOIN":   {ID: "BITCOIN", Name: "Bitcoin", DataTicker: "BTC/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("BTC/USDT")},
	"ETHEREUM":  {ID: "ETHEREUM", Name: "Ethereum", DataTicker: "ETH/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("ETH/USDT")},
	"RIPPLE":    {ID: "RIPPLE", Name: "Ripple", DataTicker: "XRP/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("XRP/USDT")},
	"CARDANO":   {ID: "CARDANO", Name: "Cardano", DataTicker: "ADA/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("ADA/USDT")},
	"SOLANA":    {ID: "SOLANA", Name: "Solana", DataTicker: "SOL/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("SOL/USDT")},
	"POLKADOT":  {ID: "POLKADOT", Name: "Polkadot", DataTicker: "DOT/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("DOT/USDT")},
	"LITECOIN":  {ID: "LITECOIN", Name: "Litecoin", DataTicker: "LTC/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("LTC/USDT")},
	"CHAINLINK": {ID: "CHAINLINK", Name: "Chainlink", DataTicker: "LINK/USDT", Category: "Kryptowährungen", Unit: "USDT", Symbols: crypto("LINK/USDT")},
}

func init() {
	// 空符号表示该品种在对应平台不可交易，装载时剔除。
	for id, inst := range registry {
		for platform, symbol := range inst.Symbols {
			if strings.TrimSpace(symbol) == "" {
				delete(inst.Symbols, platform)
			}
		}
		registry[id] = inst
	}
}

// Get 按 ID 查找品种。
func Get(id string) (Instrument, bool) {
	inst, ok := registry[strings.ToUpper(strings.TrimSpace(id))]
	return inst, ok
}

// All 返回全部品种，按 ID 排序。
func All() []Instrument {
	out := make([]Instrument, 0, len(registry))
	for _, inst := range registry {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SymbolFor 返回品种在指定平台的原生符号。
func SymbolFor(id, platform string) (string, error) {
	inst, ok := Get(id)
	if !ok {
		return "", fmt.Errorf("未知品种: %s", id)
	}
	symbol, ok := inst.Symbols[strings.ToUpper(platform)]
	if !ok {
		return "", fmt.Errorf("品种 %s 在平台 %s 上不可交易", id, platform)
	}
	return symbol, nil
}
