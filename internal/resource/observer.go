package resource

// Observer is notified of lifecycle transitions of a route's resource.
type Observer interface {
	ResourceStarted(route string)
	ResourceStopped(route string)
	HealthcheckPassed(route string)
	HealthcheckFailed(route string, err error)
}

// Observers fans notifications out to every member.
type Observers []Observer

func (o Observers) ResourceStarted(route string) {
	for _, ob := range o {
		ob.ResourceStarted(route)
	}
}

func (o Observers) ResourceStopped(route string) {
	for _, ob := range o {
		ob.ResourceStopped(route)
	}
}

func (o Observers) HealthcheckPassed(route string) {
	for _, ob := range o {
		ob.HealthcheckPassed(route)
	}
}

func (o Observers) HealthcheckFailed(route string, err error) {
	for _, ob := range o {
		ob.HealthcheckFailed(route, err)
	}
}
