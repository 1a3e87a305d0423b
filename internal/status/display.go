package status

import "repaircrm/ticket-service/internal/models"

// Display is presentation metadata for dashboards and the public tracking
// page. Progress is a percentage.
type Display struct {
	Label    string `json:"label"`
	Progress int    `json:"progress"`
	Tone     string `json:"tone"`
	Terminal bool   `json:"terminal"`
}

type displayEntry struct {
	progress int
	tone     string
}

var displayMap = map[models.Kind]map[models.Status]displayEntry{
	models.KindReceipt: {
		models.StatusPending:        {progress: 20, tone: "secondary"},
		models.StatusInProcess:      {progress: 40, tone: "info"},
		models.StatusProductOrdered: {progress: 60, tone: "warning"},
		models.StatusReadyToDeliver: {progress: 80, tone: "primary"},
		models.StatusDelivered:      {progress: 100, tone: "success"},
		models.StatusNotRepaired:    {progress: 100, tone: "danger"},
	},
	models.KindService: {
		models.StatusPending:    {progress: 25, tone: "secondary"},
		models.StatusAssigned:   {progress: 50, tone: "info"},
		models.StatusInProgress: {progress: 75, tone: "warning"},
		models.StatusCompleted:  {progress: 100, tone: "success"},
		models.StatusCancelled:  {progress: 100, tone: "danger"},
	},
}

// Describe never fails: unknown statuses render with zero progress so a
// record edited outside the machine still displays.
func Describe(kind models.Kind, value models.Status) Display {
	entry, ok := displayMap[kind][value]
	if !ok {
		return Display{Label: string(value), Tone: "secondary"}
	}
	return Display{
		Label:    string(value),
		Progress: entry.progress,
		Tone:     entry.tone,
		Terminal: Terminal(kind, value),
	}
}
