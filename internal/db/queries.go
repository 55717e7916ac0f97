package db

const jobColumns = `id, user_id, queue_name, file, started_at, received_at, processed_at, printed_at, failed_at,
		pages, color_pages, destination, error, error_kind`

const (
	InsertJob = `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByID = `
		SELECT ` + jobColumns + `
		FROM jobs WHERE id = ?
	`

	UpdateJob = `
		UPDATE jobs SET
			user_id = ?, queue_name = ?, file = ?, started_at = ?,
			received_at = ?, processed_at = ?, printed_at = ?, failed_at = ?,
			pages = ?, color_pages = ?, destination = ?, error = ?, error_kind = ?
		WHERE id = ?
	`

	ListStaleJobs = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE printed_at IS NULL AND failed_at IS NULL AND error IS NULL AND started_at < ?
		ORDER BY started_at ASC
	`

	ListJobsByUser = `
		SELECT ` + jobColumns + `
		FROM jobs WHERE user_id = ? ORDER BY started_at DESC LIMIT ?
	`

	CountInFlightByDestination = `
		SELECT destination, COUNT(*)
		FROM jobs
		WHERE destination IS NOT NULL AND printed_at IS NULL AND failed_at IS NULL AND error IS NULL
		GROUP BY destination
	`
)

const (
	InsertJobHistory = `
		INSERT INTO job_history (job_id, status, message, at) VALUES (?, ?, ?, ?)
	`

	ListJobHistory = `
		SELECT job_id, status, message, at FROM job_history WHERE job_id = ? ORDER BY id ASC
	`
)

const (
	GetUserByID = `
		SELECT u.id, u.role, u.groups_json, u.semesters_json, u.color_printing,
			(SELECT COALESCE(SUM(j.pages + 2 * j.color_pages), 0)
			 FROM jobs j WHERE j.user_id = u.id AND j.printed_at IS NOT NULL)
		FROM users u WHERE u.id = ?
	`

	UpsertUser = `
		INSERT INTO users (id, role, groups_json, semesters_json, color_printing)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			role = excluded.role,
			groups_json = excluded.groups_json,
			semesters_json = excluded.semesters_json,
			color_printing = excluded.color_printing
	`
)

const destinationColumns = `id, name, queue_name, path, domain, username, password, up`

const (
	ListDestinations = `
		SELECT ` + destinationColumns + `
		FROM destinations ORDER BY name ASC
	`

	GetDestinationByID = `
		SELECT ` + destinationColumns + `
		FROM destinations WHERE id = ?
	`

	UpsertDestination = `
		INSERT INTO destinations (` + destinationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			queue_name = excluded.queue_name,
			path = excluded.path,
			domain = excluded.domain,
			username = excluded.username,
			password = excluded.password,
			up = excluded.up
	`

	UpdateDestinationStatus = `
		UPDATE destinations SET up = ?, checked_at = ? WHERE id = ?
	`
)
