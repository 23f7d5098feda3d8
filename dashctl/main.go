package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/KeitaTsushima/pokepal-public/dashsync"
)

const DefaultConfigPath = "dashctl.toml"

var usage = fmt.Sprintf(
	`PokePal admin dashboard sync client.

The api key can be set in the settings file, or passed with --api_key.
Pass "-" to read the key from stdin without echo.

Usage:
    dashctl watch [--config=<config>] [--api_url=<api_url>] [--api_key=<api_key>]
    dashctl devices [--config=<config>] [--api_url=<api_url>] [--api_key=<api_key>]
    dashctl users [--config=<config>] [--api_url=<api_url>] [--api_key=<api_key>]
    dashctl user show <user_id> [--config=<config>] [--api_url=<api_url>] [--api_key=<api_key>]
    dashctl user create --id=<id> --name=<name> --nickname=<nickname> --device=<device_id>
        [--room=<room>] [--notes=<notes>] [--task=<task>...]
        [--config=<config>] [--api_url=<api_url>] [--api_key=<api_key>]
    dashctl user update <user_id> [--nickname=<nickname>] [--room=<room>] [--notes=<notes>] [--task=<task>...]
        [--config=<config>] [--api_url=<api_url>] [--api_key=<api_key>]
    dashctl user remove <user_id> [--config=<config>] [--api_url=<api_url>] [--api_key=<api_key>]

Options:
    --config=<config>      Settings file path [default: %s].
    --api_url=<api_url>    Override the api url.
    --api_key=<api_key>    Override the api key.
    --room=<room>          Room number.
    --notes=<notes>        Free form notes.
    --task=<task>          Proactive task as "HH:MM text". Repeatable.
    -h --help              Show this screen.
    --version              Show version.`,
	DefaultConfigPath,
)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], dashsync.Version)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	event := dashsync.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGTERM)
	ctx := event.Ctx()

	settings := loadSettings(opts)

	api := dashsync.NewAdminApiWithSettings(ctx, settings.apiUrl, settings.clientSettings.AdminApiSettings())
	defer api.Cancel()
	if settings.apiKey != "" {
		api.SetApiKey(settings.apiKey)
	}

	if watch, _ := opts.Bool("watch"); watch {
		watchDashboard(ctx, api, settings)
	} else if devices, _ := opts.Bool("devices"); devices {
		listDevices(ctx, api)
	} else if users, _ := opts.Bool("users"); users {
		listUsers(ctx, api)
	} else if user, _ := opts.Bool("user"); user {
		userId, _ := opts.String("<user_id>")
		if show, _ := opts.Bool("show"); show {
			showUser(ctx, api, userId)
		} else if create, _ := opts.Bool("create"); create {
			createUser(ctx, api, opts)
		} else if update, _ := opts.Bool("update"); update {
			updateUser(ctx, api, userId, opts)
		} else if remove, _ := opts.Bool("remove"); remove {
			removeUser(ctx, api, userId)
		}
	}
}

type ctlSettings struct {
	clientSettings *dashsync.ClientSettings
	apiUrl         string
	apiKey         string
}

func loadSettings(opts docopt.Opts) *ctlSettings {
	configPath, _ := opts.String("--config")
	clientSettings, err := dashsync.LoadClientSettings(configPath)
	if err != nil {
		fatal(err)
	}

	apiUrl := clientSettings.ApiUrl
	if value, err := opts.String("--api_url"); err == nil && value != "" {
		apiUrl = value
	}

	apiKey := clientSettings.ApiKey
	if value, err := opts.String("--api_key"); err == nil && value != "" {
		if value == "-" {
			fmt.Print("api key: ")
			keyBytes, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				fatal(err)
			}
			apiKey = strings.TrimSpace(string(keyBytes))
		} else {
			apiKey = value
		}
	}

	return &ctlSettings{
		clientSettings: clientSettings,
		apiUrl:         apiUrl,
		apiKey:         apiKey,
	}
}

// watchDashboard keeps the device and user collections live and
// reprints them on every change until interrupted.
func watchDashboard(ctx context.Context, api *dashsync.AdminApi, settings *ctlSettings) {
	channel := dashsync.NewChannelWithSettings(ctx, api, settings.clientSettings.ChannelSettings())
	defer channel.Cancel()

	notifications := dashsync.NewNotificationQueue()
	defer notifications.Close()

	deviceSync := dashsync.NewDeviceSync(ctx, api, channel)
	defer deviceSync.Cleanup()
	userSync := dashsync.NewUserSync(ctx, api, channel)
	defer userSync.Cleanup()

	var renderLock sync.Mutex
	render := func() {
		renderLock.Lock()
		defer renderLock.Unlock()

		fmt.Printf("\n=== pokepal dashboard (channel %s) ===\n", channel.State())
		fmt.Printf("devices:\n")
		for _, device := range deviceSync.Collection() {
			lastSeen := device.LastSeen
			if lastSeen == "" {
				lastSeen = "never"
			}
			fmt.Printf("    %-16s %-8s last seen %s\n", device.DeviceId, device.Status, lastSeen)
		}
		fmt.Printf("users:\n")
		for _, user := range userSync.Collection() {
			fmt.Printf("    %-8s %s (%s) room %s device %s\n", user.Id, user.Name, user.Nickname, user.RoomNumber, user.DeviceId)
		}
		for _, notification := range notifications.Notifications() {
			fmt.Printf("[%s] %s\n", notification.Kind, notification.Message)
		}
	}

	notifyError := func(message string) {
		if message != "" {
			notifications.ShowError(message)
		}
	}

	disposeDevices := deviceSync.AddChangeCallback(func() {
		notifyError(deviceSync.ErrorMessage())
		render()
	})
	defer disposeDevices()
	disposeUsers := userSync.AddChangeCallback(func() {
		notifyError(userSync.ErrorMessage())
		render()
	})
	defer disposeUsers()

	deviceSync.Load()
	userSync.Load()

	<-ctx.Done()
	fmt.Printf("\n")
}

func listDevices(ctx context.Context, api *dashsync.AdminApi) {
	result, err := api.GetDevicesSync(ctx)
	if err != nil {
		fatal(err)
	}
	for _, device := range result.Devices {
		lastSeen := device.LastSeen
		if lastSeen == "" {
			lastSeen = "never"
		}
		fmt.Printf("%-16s %-8s last seen %s\n", device.DeviceId, device.Status, lastSeen)
		if device.LastConversation != nil {
			fmt.Printf("    %s: %s\n", device.LastConversation.Speaker, device.LastConversation.Text)
		}
	}
}

func listUsers(ctx context.Context, api *dashsync.AdminApi) {
	result, err := api.GetUsersSync(ctx)
	if err != nil {
		fatal(err)
	}
	for _, user := range result.Users {
		fmt.Printf("%-8s %s (%s) room %s device %s\n", user.Id, user.Name, user.Nickname, user.RoomNumber, user.DeviceId)
	}
}

func showUser(ctx context.Context, api *dashsync.AdminApi, userId string) {
	user, err := api.GetUserSync(ctx, userId)
	if err != nil {
		fatal(err)
	}
	printJson(user)
}

func createUser(ctx context.Context, api *dashsync.AdminApi, opts docopt.Opts) {
	id, _ := opts.String("--id")
	name, _ := opts.String("--name")
	nickname, _ := opts.String("--nickname")
	deviceId, _ := opts.String("--device")
	room, _ := opts.String("--room")
	notes, _ := opts.String("--notes")
	tasks, err := parseTasks(opts)
	if err != nil {
		fatal(err)
	}

	user, err := api.CreateUserSync(ctx, &dashsync.CreateUserArgs{
		Id:             id,
		Name:           name,
		Nickname:       nickname,
		DeviceId:       deviceId,
		RoomNumber:     room,
		Notes:          notes,
		ProactiveTasks: tasks,
	})
	if err != nil {
		fatal(err)
	}
	printJson(user)
}

func updateUser(ctx context.Context, api *dashsync.AdminApi, userId string, opts docopt.Opts) {
	updateArgs := &dashsync.UpdateUserArgs{}
	if value, err := opts.String("--nickname"); err == nil && value != "" {
		updateArgs.Nickname = &value
	}
	if value, err := opts.String("--room"); err == nil && value != "" {
		updateArgs.RoomNumber = &value
	}
	if value, err := opts.String("--notes"); err == nil && value != "" {
		updateArgs.Notes = &value
	}
	tasks, err := parseTasks(opts)
	if err != nil {
		fatal(err)
	}
	if 0 < len(tasks) {
		updateArgs.ProactiveTasks = tasks
	}

	user, err := api.UpdateUserSync(ctx, userId, updateArgs)
	if err != nil {
		fatal(err)
	}
	printJson(user)
}

func removeUser(ctx context.Context, api *dashsync.AdminApi, userId string) {
	result, err := api.RemoveUserSync(ctx, userId)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s\n", result.Message)
}

func parseTasks(opts docopt.Opts) ([]dashsync.ProactiveTask, error) {
	values, ok := opts["--task"].([]string)
	if !ok {
		return nil, nil
	}
	tasks := []dashsync.ProactiveTask{}
	for _, value := range values {
		parts := strings.SplitN(value, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("task must be \"HH:MM text\": %s", value)
		}
		tasks = append(tasks, dashsync.ProactiveTask{
			Time: parts[0],
			Task: parts[1],
		})
	}
	return tasks, nil
}

func printJson(value any) {
	valueJson, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s\n", valueJson)
}

func fatal(err error) {
	glog.Flush()
	fmt.Fprintf(os.Stderr, "%s (%s)\n", dashsync.KindOf(err).UserMessage(), err)
	os.Exit(1)
}
