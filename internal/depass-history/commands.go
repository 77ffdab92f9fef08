package historycli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/internal/config"
	"github.com/depassivation-station/depassivation-controller/sequence"
	"github.com/fatih/color"
)

var (
	faint = color.New(color.Faint)
	pass  = color.New(color.FgGreen)
	fail  = color.New(color.FgRed)
	warn  = color.New(color.FgYellow)
)

// colourResult colours a result by its outcome.
func colourResult(result string) string {
	switch history.OutcomeOfResult(result) {
	case string(history.OutcomePass):
		return pass.Sprint(result)
	case string(history.OutcomeFail):
		return fail.Sprint(result)
	}
	return warn.Sprint(result)
}

func listBatteries(store *history.Store) error {
	batteries, err := store.ListBatteries()
	if err != nil {
		return fmt.Errorf("failed to list batteries: %w", err)
	}
	if len(batteries) == 0 {
		fmt.Fprintln(out, "No batteries found.")
		return nil
	}
	for _, b := range batteries {
		fmt.Fprintf(out, "%s %s %s\n", faint.Sprint(padRight(fmt.Sprint(b.ID), 5)), padRight(b.Name, 24), faint.Sprint(b.CreatedAt))
	}
	return nil
}

func addBattery(store *history.Store, name string) error {
	id, err := store.CreateBattery(name)
	if errors.Is(err, history.ErrDuplicateName) {
		return fmt.Errorf("a battery called '%s' already exists", strings.TrimSpace(name))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", pass.Sprintf("✓ Added battery '%s'", strings.TrimSpace(name)), faint.Sprint(id))
	return nil
}

func deleteBattery(store *history.Store, name string) error {
	b, err := store.GetBatteryByName(name)
	if err != nil {
		return err
	}
	if _, err := store.DeleteBattery(b.ID); err != nil {
		return err
	}
	fmt.Fprintln(out, warn.Sprintf("✗ Deleted battery '%s'", b.Name))
	return nil
}

func testsFor(store *history.Store, t *Tests) ([]history.Test, error) {
	if t.Uncategorized {
		return store.ListTests(nil)
	}
	if t.Battery == "" {
		return nil, errors.New("give a battery name or --uncategorized")
	}
	b, err := store.GetBatteryByName(t.Battery)
	if err != nil {
		return nil, err
	}
	return store.ListTests(&b.ID)
}

func listTests(store *history.Store, t *Tests) error {
	tests, err := testsFor(store, t)
	if err != nil {
		return err
	}
	if len(tests) == 0 {
		fmt.Fprintln(out, "No tests found.")
		return nil
	}
	for _, test := range tests {
		fmt.Fprintf(out, "%s %s %s %s\n",
			faint.Sprint(padRight(fmt.Sprint(test.ID), 5)),
			faint.Sprint(test.Timestamp),
			padRight(fmt.Sprintf("%gs @ %.2fV", test.DurationSeconds, test.PassFailVoltage), 18),
			colourResult(test.ResultText()))
	}
	return nil
}

func listSequences(store *history.Store, t *Tests) error {
	tests, err := testsFor(store, t)
	if err != nil {
		return err
	}
	items := sequence.Group(sequence.Chronological(tests))
	if len(items) == 0 {
		fmt.Fprintln(out, "No tests found.")
		return nil
	}
	// Newest first, as the tests are listed.
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		fmt.Fprintf(out, "%s %s %s %s\n",
			faint.Sprint(padRight(fmt.Sprint(item.ID()), 5)),
			faint.Sprint(item.Timestamp()),
			padRight(item.Label(), 14),
			colourResult(item.Result()))
	}
	return nil
}

// sequenceStartingAt finds the sequence whose baseline is testID.
func sequenceStartingAt(store *history.Store, testID int64) (sequence.Item, error) {
	test, err := store.GetTest(testID)
	if err != nil {
		return sequence.Item{}, err
	}
	tests, err := store.ListTests(test.BatteryID)
	if err != nil {
		return sequence.Item{}, err
	}
	for _, item := range sequence.Group(sequence.Chronological(tests)) {
		if item.Kind == sequence.Sequence && item.ID() == testID {
			return item, nil
		}
	}
	return sequence.Item{}, fmt.Errorf("test %d does not start a sequence: %w", testID, sequence.ErrNotSequence)
}

func compare(store *history.Store, testID int64) error {
	item, err := sequenceStartingAt(store, testID)
	if err != nil {
		return err
	}
	c, err := sequence.Compare(item, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", padRight("", 14), strings.Join([]string{
		padRight("Baseline", 20), padRight("Depassivation", 20), "Check"}, " "))
	row := func(label string, f func(sequence.PhaseMetrics) string) {
		fmt.Fprintf(out, "%s %s %s %s\n", faint.Sprint(padRight(label, 14)),
			padRight(f(c.Baseline), 20), padRight(f(c.Depassivation), 20), f(c.Check))
	}
	row("Test", func(m sequence.PhaseMetrics) string { return fmt.Sprint(m.TestID) })
	row("Started", func(m sequence.PhaseMetrics) string { return m.Timestamp })
	row("Duration (s)", func(m sequence.PhaseMetrics) string { return fmt.Sprintf("%g", m.DurationSeconds) })
	row("Max current", func(m sequence.PhaseMetrics) string { return optional(m.MaxCurrent, "%.1f mA") })
	row("Min voltage", func(m sequence.PhaseMetrics) string { return optional(m.MinVoltage, "%.3f V") })
	row("Last voltage", func(m sequence.PhaseMetrics) string { return optional(m.LastVoltage, "%.3f V") })
	fmt.Fprintf(out, "%s %s\n", faint.Sprint(padRight("Rest", 14)), c.Rest)
	return nil
}

func deleteTests(store *history.Store, d *Delete) error {
	ids := []int64{d.ID}
	if d.Sequence {
		item, err := sequenceStartingAt(store, d.ID)
		if err != nil {
			return err
		}
		ids = item.TestIDs()
	}
	n, err := store.DeleteTests(ids)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("test %d: %w", d.ID, history.ErrNotFound)
	}
	fmt.Fprintln(out, warn.Sprintf("✗ Deleted %d test(s)", n))
	return nil
}

func export(store *history.Store, e *Export) error {
	if e.Out == "" {
		_, err := store.ExportCSV(e.ID, out)
		return err
	}

	// Nothing is written to disk unless the export succeeded.
	var buf bytes.Buffer
	n, err := store.ExportCSV(e.ID, &buf)
	if err != nil {
		return err
	}
	if err := writeFile(e.Out, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.Out, err)
	}
	fmt.Fprintln(out, pass.Sprintf("✓ Exported %d samples to %s", n, e.Out))
	return nil
}

func writeFile(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func report(store *history.Store, testID int64) error {
	test, err := store.GetTest(testID)
	if err != nil {
		return err
	}
	r, err := store.Report(testID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Test %d  %s  %s\n", test.ID, faint.Sprint(test.Timestamp), colourResult(test.ResultText()))
	fmt.Fprintf(out, "  samples   %d over %.1fs\n", r.Samples, r.ElapsedS)
	fmt.Fprintf(out, "  voltage   mean %.3f V  sd %.4f  last %.3f V\n", r.MeanVoltage, r.StdDevVoltage, r.LastVoltage)
	fmt.Fprintf(out, "  current   mean %.1f mA  sd %.2f\n", r.MeanCurrent, r.StdDevCurrent)
	fmt.Fprintf(out, "  minimum   %s  threshold %.3f V\n", optional(test.MinVoltage, "%.3f V"), test.PassFailVoltage)
	return nil
}

func profiles(conf *config.Config, configDir string, p *Profiles) error {
	switch {
	case p.Set != "":
		if err := conf.SetProfile(p.Set, config.Profile{Duration: p.Duration, Voltage: p.Voltage}); err != nil {
			return err
		}
		if err := conf.Save(configDir); err != nil {
			return err
		}
		fmt.Fprintln(out, pass.Sprintf("✓ Saved profile '%s'", p.Set))
	case p.Delete != "":
		if !conf.DeleteProfile(p.Delete) {
			return fmt.Errorf("no profile '%s'", p.Delete)
		}
		if err := conf.Save(configDir); err != nil {
			return err
		}
		fmt.Fprintln(out, warn.Sprintf("✗ Deleted profile '%s'", p.Delete))
	default:
		names := conf.ProfileNames()
		if len(names) == 0 {
			fmt.Fprintln(out, "No profiles saved.")
		}
		for _, name := range names {
			prof, _ := conf.Profile(name)
			fmt.Fprintf(out, "%s %ds @ %.2fV\n", padRight(name, 16), prof.Duration, prof.Voltage)
		}
	}
	return nil
}

func optional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func padRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
