package train

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Header of the progress table.
const Header = "  Time Epoch Iteration Progress    (%Epoch)   Loss   Dev/Loss     Accuracy  Dev/Accuracy"

var headerStyle = lipgloss.NewStyle().Bold(true)

// progress writes the progress table and the validation lines.
type progress struct {
	w io.Writer
}

func (p progress) header() {
	_, _ = fmt.Fprintln(p.w, headerStyle.Render(Header))
}

// row prints one training progress row. The Dev/Loss and Dev/Accuracy columns are left blank.
func (p progress) row(elapsed float64, epoch, iteration, batch, numBatches int, loss, accuracy float64) {
	percent := 100 * float64(batch) / float64(numBatches)
	_, _ = fmt.Fprintf(p.w, "%6.0f %5.0f %9.0f %5.0f/%-5.0f %7.0f%% %8.6f %s %12.4f %s\n",
		elapsed, float64(epoch), float64(iteration), float64(batch), float64(numBatches), percent, loss,
		strings.Repeat(" ", 8), accuracy, strings.Repeat(" ", 12))
}

func (p progress) dev(v Validation) {
	_, _ = fmt.Fprintf(p.w, "Dev Precision: %10.6f%% Recall: %10.6f%% F1 Score: %10.6f%%\n",
		100*v.Precision, 100*v.Recall, 100*v.F1)
}

func (p progress) earlyStop(epoch int, bestF1 float64) {
	_, _ = fmt.Fprintf(p.w, "Early Stopping. Epoch: %d, Best Dev F1: %v\n", epoch, bestF1)
}
