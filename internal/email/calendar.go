package email

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/google/uuid"
)

const (
	productID        = "-//Ticketflow//Email Notifications//EN"
	defaultLocation  = "HelpDesk System"
	defaultOrganizer = "noreply@helpdesk.local"
	reminderMinutes  = 60
)

// Attendee is a calendar participant.
type Attendee struct {
	Name  string
	Email string
	RSVP  bool
}

// InviteTicket is the ticket summary rendered into an invite.
type InviteTicket struct {
	UID      string
	Subject  string
	Issue    string
	Priority string
	Status   string
	Owner    string
}

// Invite describes one VEVENT sent as a METHOD:REQUEST calendar.
type Invite struct {
	UID         string
	Stamp       time.Time
	Start       time.Time
	End         time.Time
	Summary     string
	Description string
	Location    string
	URL         string
	Organizer   Attendee
	Attendees   []Attendee
	Tentative   bool
	Priority    int
	// ReminderMinutes adds a display alarm that many minutes before Start; 0 disables it.
	ReminderMinutes int
	ReminderText    string
}

// SLAInvite marks the SLA deadline of a ticket with a one hour reminder.
func SLAInvite(t InviteTicket, deadline time.Time, ticketURL string, now time.Time) *Invite {
	return &Invite{
		Stamp:   now,
		Start:   deadline,
		End:     deadline,
		Summary: fmt.Sprintf("SLA Deadline - Ticket #%s: %s", t.UID, t.Subject),
		Description: fmt.Sprintf("Ticket #%s SLA deadline approaching\n\nSubject: %s\nPriority: %s\nStatus: %s\n\n"+
			"Please resolve this ticket before the SLA deadline.\n\nView ticket: %s",
			t.UID, t.Subject, orDefault(t.Priority, "Normal"), t.Status, ticketURL),
		URL:             ticketURL,
		Priority:        1,
		ReminderMinutes: reminderMinutes,
		ReminderText:    fmt.Sprintf("SLA deadline for Ticket #%s in %d minutes", t.UID, reminderMinutes),
	}
}

// AssignmentInvite blocks two hours from now for a newly assigned ticket.
func AssignmentInvite(t InviteTicket, assignee Attendee, ticketURL string, now time.Time) *Invite {
	priority := 5
	if strings.EqualFold(t.Priority, "critical") {
		priority = 1
	}
	return &Invite{
		Stamp:   now,
		Start:   now,
		End:     now.Add(2 * time.Hour),
		Summary: fmt.Sprintf("Ticket Assigned - #%s: %s", t.UID, t.Subject),
		Description: fmt.Sprintf("New ticket assigned to you\n\nTicket #%s\nSubject: %s\nPriority: %s\nSubmitted by: %s\n\n%s\n\nView ticket: %s",
			t.UID, t.Subject, orDefault(t.Priority, "Normal"), orDefault(t.Owner, "Unknown"), t.Issue, ticketURL),
		URL:       ticketURL,
		Attendees: []Attendee{assignee},
		Priority:  priority,
	}
}

// MeetingInvite schedules a tentative meeting about a ticket.
func MeetingInvite(t InviteTicket, start time.Time, d time.Duration, attendees []Attendee, ticketURL string, now time.Time) *Invite {
	return &Invite{
		Stamp:           now,
		Start:           start,
		End:             start.Add(d),
		Summary:         fmt.Sprintf("Meeting - Ticket #%s: %s", t.UID, t.Subject),
		Description:     fmt.Sprintf("Meeting regarding Ticket #%s\n\nSubject: %s\n\nView ticket: %s", t.UID, t.Subject, ticketURL),
		URL:             ticketURL,
		Attendees:       attendees,
		Tentative:       true,
		Priority:        5,
		ReminderMinutes: 15,
		ReminderText:    fmt.Sprintf("Meeting about Ticket #%s in 15 minutes", t.UID),
	}
}

// BuildCalendar serialises inv as an iCalendar REQUEST.
func BuildCalendar(inv *Invite) ([]byte, error) {
	if inv == nil {
		return nil, fmt.Errorf("calendar: nil invite")
	}
	if inv.Start.IsZero() {
		return nil, fmt.Errorf("calendar: start time is required")
	}
	uid := inv.UID
	if uid == "" {
		uid = strings.ReplaceAll(uuid.NewString(), "-", "") + "@helpdesk"
	}
	stamp := inv.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	end := inv.End
	if end.Before(inv.Start) {
		end = inv.Start
	}

	cal := ics.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ics.MethodRequest)

	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(stamp.UTC())
	ev.SetStartAt(inv.Start.UTC())
	ev.SetEndAt(end.UTC())
	ev.SetSummary(inv.Summary)
	ev.SetDescription(inv.Description)
	ev.SetLocation(orDefault(inv.Location, defaultLocation))
	if inv.URL != "" {
		ev.SetURL(inv.URL)
	}
	org := inv.Organizer
	ev.SetOrganizer("mailto:"+orDefault(org.Email, defaultOrganizer), ics.WithCN(orDefault(org.Name, defaultLocation)))
	for _, a := range inv.Attendees {
		ev.AddAttendee("mailto:"+a.Email, ics.WithCN(orDefault(a.Name, a.Email)), ics.WithRSVP(a.RSVP))
	}
	if inv.Tentative {
		ev.SetStatus(ics.ObjectStatusTentative)
	} else {
		ev.SetStatus(ics.ObjectStatusConfirmed)
	}
	if inv.Priority > 0 {
		ev.SetProperty(ics.ComponentPropertyPriority, strconv.Itoa(inv.Priority))
	}
	if inv.ReminderMinutes > 0 {
		alarm := ev.AddAlarm()
		alarm.SetAction(ics.ActionDisplay)
		alarm.SetTrigger(fmt.Sprintf("-PT%dM", inv.ReminderMinutes))
		alarm.SetProperty(ics.ComponentPropertyDescription, orDefault(inv.ReminderText, inv.Summary))
	}
	return []byte(cal.Serialize()), nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
