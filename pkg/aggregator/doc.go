// Package aggregator keeps recent diagnostic log lines in memory under a
// fixed byte budget and packages them into a downloadable artifact on demand.
//
// One Aggregator is built at process start and handed to every producer:
//
//	agg := aggregator.New(aggregator.Options{
//	    Budget:   aggregator.DefaultBudget,
//	    Encoding: aggregator.ZipEncoding{},
//	})
//	defer agg.Close()
//
//	agg.Info("session started", user)
//	agg.Error("request failed", err)
//
//	art, err := agg.ExportAndReset(ctx)
//
// Lines are rendered as "<UTC timestamp> <values joined by a space>\n". When
// the retained total exceeds the budget, the smallest run of oldest lines that
// brings it back under is dropped in one step. The line just written is never
// dropped by its own insertion, so a single line larger than the budget is
// kept on its own until the next record.
//
// Timestamps are taken when a line is rendered, before it is appended. Lines
// from concurrent producers are kept in append order, so a retained line may
// carry a timestamp a few microseconds earlier than the line before it.
//
// ExportAndReset packages a snapshot of the buffer and then removes only the
// lines that were part of that snapshot. Lines recorded while the export is
// running stay in the buffer for the next export. If packaging fails, nothing
// is removed.
//
// When the artifact still has to be stored somewhere, split the two steps:
//
//	art, err := agg.Export(ctx)
//	if err != nil {
//	    return err
//	}
//	if _, err := art.WriteFile(dir); err != nil {
//	    return err // buffer untouched, retry later
//	}
//	agg.Commit(art.End)
//
// ExportWith does the same with a callback while holding the export lock.
package aggregator
