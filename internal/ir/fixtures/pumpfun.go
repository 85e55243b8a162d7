// Package fixtures ships hand-written ir.EntitySpec values exercised by
// internal/compiler and internal/vm's tests instead of a macro/IDL front
// end, which this module treats as out of scope.
package fixtures

import (
	"github.com/luxfi/hyperproj/internal/ir"
	"github.com/luxfi/hyperproj/internal/ir/compexpr"
)

// whaleThreshold is the amount above which a Buy/Sell counts as a whale
// trade, matching the threshold a pump.fun-style bonding curve project
// uses to flag large trades for its dashboard.
const whaleThreshold = int64(1_000_000_000_000)

// PumpfunToken builds the entity spec for a bonding-curve token stream:
// one row per mint, populated from Create/Buy/Sell instructions and
// BondingCurve account snapshots. It exercises every population
// strategy (SetOnce, LastWrite, Append, Sum, Count, Max, Min,
// UniqueCount), a conditional mapping and a conditional increment, a
// SetOnce PDA registration, a KeyLookup-resolved handler, an
// off-chain metadata resolver, and cross-field computed values.
func PumpfunToken() ir.EntitySpec {
	return ir.EntitySpec{
		Name:     "PumpfunToken",
		Identity: ir.IdentitySpec{PrimaryField: "id.mint"},
		Lookups: []ir.LookupIndexSpec{
			{Name: "bonding_curve_to_mint", SourceField: "accounts.bonding_curve"},
		},
		Handlers: []ir.HandlerSpec{
			createHandler(),
			buyHandler(),
			sellHandler(),
			bondingCurveUpdateHandler(),
		},
	}
}

func createHandler() ir.HandlerSpec {
	return ir.HandlerSpec{
		Name:          "create",
		Source:        ir.SourceSpec{EventType: "instruction", Instruction: "Create"},
		KeyResolution: ir.KeyResolution{Strategy: ir.KeyEmbedded, KeyField: "accounts.mint"},
		Hooks: []ir.InstructionHook{{
			Instruction: "Create",
			Actions: []ir.HookAction{
				// id.bonding_curve isn't on state yet this first time
				// this key is ever observed, so the PDA registration
				// below needs it set from the event first.
				{Kind: ir.HookSetField, TargetPath: "id.bonding_curve", Value: compexpr.FieldRef{Path: "accounts.bonding_curve"}},
				{Kind: ir.HookRegisterPdaMapping, PdaField: "id.bonding_curve", TargetKind: "mint"},
			},
		}},
		Resolver: &ir.ResolverHook{
			ResolverType: "http_json",
			QueueUntil:   []string{"Create"},
			InputField:   "data.uri",
			TargetPath:   "info.metadata_image",
			SubPath:      "image",
		},
		Mappings: []ir.FieldMapping{
			{TargetPath: "id.mint", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "accounts.mint"}, Population: ir.PopulationSetOnce},
			{TargetPath: "id.bonding_curve", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "accounts.bonding_curve"}, Population: ir.PopulationSetOnce},
			{TargetPath: "info.name", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "data.name"}, Population: ir.PopulationSetOnce},
			{TargetPath: "info.symbol", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "data.symbol"}, Population: ir.PopulationSetOnce},
			{TargetPath: "info.uri", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "data.uri"}, Population: ir.PopulationSetOnce},
			{TargetPath: "events.create", Source: ir.MappingSource{Kind: ir.SourceAsEvent}, Population: ir.PopulationSetOnce},
		},
		Emit: true,
	}
}

// tradingMappings are shared by Buy and Sell: everything keyed off
// "data.amount"/"accounts.user" that both instructions carry under the
// same field names.
func tradingMappings(volumePath, countPath string) []ir.FieldMapping {
	return []ir.FieldMapping{
		{TargetPath: volumePath, Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "data.amount"}, Population: ir.PopulationSum},
		{TargetPath: "trading.total_trades", Source: ir.MappingSource{Kind: ir.SourceConstant, Constant: int64(1)}, Population: ir.PopulationCount},
		{TargetPath: countPath, Source: ir.MappingSource{Kind: ir.SourceConstant, Constant: int64(1)}, Population: ir.PopulationCount},
		{
			TargetPath: "trading.unique_traders",
			Population: ir.PopulationUniqueCount,
			Transform:  ir.TransformToString,
			Aggregate:  &ir.AggregateSpec{UniqueField: "accounts.user"},
		},
		{TargetPath: "trading.largest_trade", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "data.amount"}, Population: ir.PopulationMax},
		{TargetPath: "trading.smallest_trade", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "data.amount"}, Population: ir.PopulationMin},
		{TargetPath: "trading.last_trade_timestamp", Source: ir.MappingSource{Kind: ir.SourceFromContext, ContextKey: "block_time"}, Population: ir.PopulationLastWrite},
		{
			TargetPath: "trading.whale_trade_count",
			Source:     ir.MappingSource{Kind: ir.SourceConstant, Constant: int64(1)},
			Population: ir.PopulationCount,
			Condition:  &ir.Condition{Field: "data.amount", Op: ir.CmpGt, Value: whaleThreshold},
		},
		{
			TargetPath: "trading.last_whale_address",
			Source:     ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "accounts.user"},
			Population: ir.PopulationLastWrite,
			Condition:  &ir.Condition{Field: "data.amount", Op: ir.CmpGt, Value: whaleThreshold},
		},
		// Cross-section computed fields, recomputed on every trade.
		{
			TargetPath: "trading.last_trade_price",
			Source: ir.MappingSource{Kind: ir.SourceComputed, Expr: compexpr.BinaryOp{
				Op:   "/",
				Left: compexpr.FieldRef{Path: "reserves.virtual_sol_reserves"},
				Right: compexpr.MethodCall{
					Receiver: compexpr.FieldRef{Path: "reserves.virtual_token_reserves"},
					Method:   "max",
					Args:     []compexpr.Expr{compexpr.Literal{Value: int64(1)}},
				},
			}},
			Population: ir.PopulationLastWrite,
		},
		{
			TargetPath: "trading.total_volume",
			Source: ir.MappingSource{Kind: ir.SourceComputed, Expr: compexpr.BinaryOp{
				Op:    "+",
				Left:  compexpr.FieldRef{Path: "trading.total_buy_volume"},
				Right: compexpr.FieldRef{Path: "trading.total_sell_volume"},
			}},
			Population: ir.PopulationLastWrite,
		},
		{
			TargetPath: "trading.average_trade_size",
			Source: ir.MappingSource{Kind: ir.SourceComputed, Expr: compexpr.BinaryOp{
				Op:   "/",
				Left: compexpr.FieldRef{Path: "trading.total_volume"},
				Right: compexpr.MethodCall{
					Receiver: compexpr.FieldRef{Path: "trading.total_trades"},
					Method:   "max",
					Args:     []compexpr.Expr{compexpr.Literal{Value: int64(1)}},
				},
			}},
			Population: ir.PopulationLastWrite,
		},
	}
}

func buyHandler() ir.HandlerSpec {
	mappings := append(tradingMappings("trading.total_buy_volume", "trading.buy_count"),
		ir.FieldMapping{TargetPath: "events.buys", Source: ir.MappingSource{Kind: ir.SourceAsEvent}, Population: ir.PopulationAppend},
	)
	return ir.HandlerSpec{
		Name:          "buy",
		Source:        ir.SourceSpec{EventType: "instruction", Instruction: "Buy"},
		KeyResolution: ir.KeyResolution{Strategy: ir.KeyEmbedded, KeyField: "accounts.mint"},
		Hooks: []ir.InstructionHook{{
			Instruction: "Buy",
			// id.bonding_curve was already set by Create, so this reads
			// straight from state rather than needing its own SetField.
			Actions: []ir.HookAction{{Kind: ir.HookRegisterPdaMapping, PdaField: "id.bonding_curve", TargetKind: "mint"}},
		}},
		Mappings: mappings,
		Emit:     true,
	}
}

func sellHandler() ir.HandlerSpec {
	mappings := append(tradingMappings("trading.total_sell_volume", "trading.sell_count"),
		ir.FieldMapping{TargetPath: "events.sells", Source: ir.MappingSource{Kind: ir.SourceAsEvent}, Population: ir.PopulationAppend},
	)
	return ir.HandlerSpec{
		Name:          "sell",
		Source:        ir.SourceSpec{EventType: "instruction", Instruction: "Sell"},
		KeyResolution: ir.KeyResolution{Strategy: ir.KeyEmbedded, KeyField: "accounts.mint"},
		Hooks: []ir.InstructionHook{{
			Instruction: "Sell",
			Actions:     []ir.HookAction{{Kind: ir.HookRegisterPdaMapping, PdaField: "id.bonding_curve", TargetKind: "mint"}},
		}},
		Mappings: mappings,
		Emit:     true,
	}
}

// bondingCurveUpdateHandler reacts to BondingCurve account snapshots.
// The account's own address has no relation to a mint, so this handler
// resolves its key through the bonding_curve_to_mint lookup index (which
// the compiled handlers fill from the accounts.bonding_curve field of
// Create/Buy/Sell events) rather than reading a key field straight off
// the event.
func bondingCurveUpdateHandler() ir.HandlerSpec {
	return ir.HandlerSpec{
		Name:   "bonding_curve_update",
		Source: ir.SourceSpec{EventType: "account", Instruction: "BondingCurve"},
		KeyResolution: ir.KeyResolution{
			Strategy:    ir.KeyLookup,
			LookupIndex: "bonding_curve_to_mint",
			LookupField: "account_address",
		},
		Mappings: []ir.FieldMapping{
			{TargetPath: "info.is_complete", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "complete"}, Population: ir.PopulationLastWrite},
			{TargetPath: "reserves.virtual_token_reserves", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "virtual_token_reserves"}, Population: ir.PopulationLastWrite},
			{TargetPath: "reserves.virtual_sol_reserves", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "virtual_sol_reserves"}, Population: ir.PopulationLastWrite},
			{TargetPath: "reserves.real_token_reserves", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "real_token_reserves"}, Population: ir.PopulationLastWrite},
			{TargetPath: "reserves.real_sol_reserves", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "real_sol_reserves"}, Population: ir.PopulationLastWrite},
			{TargetPath: "reserves.token_total_supply", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "token_total_supply"}, Population: ir.PopulationLastWrite},
			// Snapshot the whole account first, then overwrite its
			// creator field hex-encoded — demonstrates a field
			// transform layered on top of a whole-object capture.
			{TargetPath: "bonding_curve_snapshot", Source: ir.MappingSource{Kind: ir.SourceAsEvent}, Population: ir.PopulationLastWrite},
			{TargetPath: "bonding_curve_snapshot.creator", Source: ir.MappingSource{Kind: ir.SourceFromSource, SourceField: "creator"}, Population: ir.PopulationLastWrite, Transform: ir.TransformHexEncode},
		},
		Emit: true,
	}
}
