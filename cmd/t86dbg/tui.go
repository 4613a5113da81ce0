package t86dbg

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Manu343726/t86dbg/pkg/dbg/source"
	"github.com/Manu343726/t86dbg/pkg/utils"
)

// runTUI drives the same session as runREPL but through a tview status
// panel instead of printed banners: a register table refreshed after every
// stepping command, with 'c'/'s'/'n'/'q' key bindings for the four most
// common operations. It adapts the teacher's tcell/tview DebuggerUI split
// to this module's controllers, following rivo/tview's own documented
// Application/TextView wiring.
func runTUI(src *source.Controller) error {
	app := tview.NewApplication()
	regsView := tview.NewTextView().SetDynamicColors(true)
	regsView.SetBorder(true).SetTitle(" registers ")
	statusView := tview.NewTextView().SetDynamicColors(true)
	statusView.SetBorder(true).SetTitle(" status ")

	refresh := func() {
		regs, err := src.Native().Registers()
		if err != nil {
			statusView.SetText(fmt.Sprintf("[red]%v[-]", err))
			return
		}
		var text string
		for _, name := range []string{"IP", "BP", "SP", "FLAGS"} {
			text += fmt.Sprintf("%-6s %s\n", name, utils.FormatUintHex(uint64(regs[name]), 16))
		}
		for i := 0; ; i++ {
			name := fmt.Sprintf("R%d", i)
			v, ok := regs[name]
			if !ok {
				break
			}
			text += fmt.Sprintf("%-6s %s\n", name, utils.FormatUintHex(uint64(v), 16))
		}
		regsView.SetText(text)

		if file, line, err := src.CurrentLine(); err == nil {
			statusView.SetText(fmt.Sprintf("[green]%s:%d[-]", file, line))
		} else {
			statusView.SetText("[yellow]no source location[-]")
		}
	}

	report := func(label string, err error) {
		if err != nil {
			statusView.SetText(fmt.Sprintf("[red]%s: %v[-]", label, err))
			return
		}
		refresh()
	}

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(statusView, 3, 0, false).
		AddItem(regsView, 0, 1, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c':
			if err := src.Native().ContinueExecution(); err == nil {
				_, err = src.Native().WaitForDebugEvent()
				report("continue", err)
			} else {
				report("continue", err)
			}
		case 's':
			_, err := src.Native().SingleStep()
			report("step", err)
		case 'n':
			_, err := src.Native().StepOver(true)
			report("stepover", err)
		case 'q':
			app.Stop()
		}
		return event
	})

	refresh()
	return app.SetRoot(layout, true).Run()
}
